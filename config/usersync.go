package config

// UserSync specifies the host settings shared by every bidder's sync urls.
type UserSync struct {
	// RedirectURL is the template of the host endpoint a bidder redirects back to once it has
	// synced. It may use {{.ExternalURL}}, {{.SyncerKey}}, {{.SyncType}} and {{.UserMacro}}.
	RedirectURL string `mapstructure:"redirect_url"`
	// ExternalURL defaults to the top level external_url.
	ExternalURL string `mapstructure:"external_url"`
}
