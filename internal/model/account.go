package model

// ProviderCredentials is what the messaging provider needs to send on behalf
// of one account.
type ProviderCredentials struct {
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"-"`
}

// AccountContext is the resolved view of an account: its tenant, plan limits
// keyed by quota key, and provider credentials. Produced by the out-of-scope
// account service behind account.Resolver.
type AccountContext struct {
	AccountID   string
	TenantID    string
	PlanLimits  map[string]int64
	Credentials ProviderCredentials
}

// Limit returns the plan limit for key, or QuotaUnlimited when the plan does
// not mention the key at all.
func (a AccountContext) Limit(key string) int64 {
	if v, ok := a.PlanLimits[key]; ok {
		return v
	}
	return QuotaUnlimited
}
