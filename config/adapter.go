package config

import (
	"fmt"
	"text/template"

	validator "github.com/asaskevich/govalidator"
	"github.com/prebid/prebid-server-core/macros"
)

// Adapter holds the host overrides for one bidder.
type Adapter struct {
	Endpoint string `mapstructure:"endpoint"` // Required
	// UserSyncURL replaces the url of the bidder's redirect sync endpoint. It is interpreted as a
	// Go template and may use {{.GDPR}}, {{.GDPRConsent}}, {{.USPrivacy}} and {{.RedirectURL}}.
	UserSyncURL      string `mapstructure:"usersync_url"`
	Disabled         bool   `mapstructure:"disabled"`
	ExtraAdapterInfo string `mapstructure:"extra_info"`
}

// validateAdapters validates adapter's endpoint and user sync URL
func validateAdapters(adapterMap map[string]Adapter, errs []error) []error {
	for adapterName, adapter := range adapterMap {
		if !adapter.Disabled {
			errs = validateAdapterEndpoint(adapter.Endpoint, adapterName, errs)
			errs = validateAdapterUserSyncURL(adapter.UserSyncURL, adapterName, errs)
		}
	}
	return errs
}

const (
	dummyHost        string = "dummyhost.com"
	dummyPublisherID string = "12"
	dummyGDPR        string = "0"
	dummyGDPRConsent string = "someGDPRConsentString"
	dummyCCPA        string = "1NYN"
	dummyRedirect    string = "https%3A%2F%2Fhost.com%2Fsetuid"
)

// validateAdapterEndpoint makes sure that an adapter has a valid endpoint
// associated with it
func validateAdapterEndpoint(endpoint string, adapterName string, errs []error) []error {
	if endpoint == "" {
		return append(errs, fmt.Errorf("There's no default endpoint available for %s. Calls to this bidder/exchange will fail. "+
			"Please set adapters.%s.endpoint in your app config", adapterName, adapterName))
	}

	endpointTemplate, err := template.New("endpointTemplate").Parse(endpoint)
	if err != nil {
		return append(errs, fmt.Errorf("Invalid endpoint template: %s for adapter: %s. %v", endpoint, adapterName, err))
	}
	resolvedEndpoint, err := macros.ResolveMacros(endpointTemplate, macros.EndpointTemplateParams{
		Host:        dummyHost,
		PublisherID: dummyPublisherID,
	})
	if err != nil {
		return append(errs, fmt.Errorf("Unable to resolve endpoint: %s for adapter: %s. %v", endpoint, adapterName, err))
	}
	// IsURL allows relative paths ("abcd.com") and IsRequestURL allows doubled schemes, so both are needed.
	if !validator.IsURL(resolvedEndpoint) || !validator.IsRequestURL(resolvedEndpoint) {
		errs = append(errs, fmt.Errorf("The endpoint: %s for %s is not a valid URL", resolvedEndpoint, adapterName))
	}
	return errs
}

// validateAdapterUserSyncURL validates an adapter's user sync URL if it is set
func validateAdapterUserSyncURL(userSyncURL string, adapterName string, errs []error) []error {
	if userSyncURL == "" {
		return errs
	}
	userSyncTemplate, err := template.New("userSyncTemplate").Parse(userSyncURL)
	if err != nil {
		return append(errs, fmt.Errorf("Invalid user sync URL template: %s for adapter: %s. %v", userSyncURL, adapterName, err))
	}
	resolvedUserSyncURL, err := macros.ResolveMacros(userSyncTemplate, struct {
		macros.UserSyncTemplateParams
		RedirectURL string
	}{
		UserSyncTemplateParams: macros.UserSyncTemplateParams{
			GDPR:        dummyGDPR,
			GDPRConsent: dummyGDPRConsent,
			USPrivacy:   dummyCCPA,
		},
		RedirectURL: dummyRedirect,
	})
	if err != nil {
		return append(errs, fmt.Errorf("Unable to resolve user sync URL: %s for adapter: %s. %v", userSyncURL, adapterName, err))
	}
	if !validator.IsURL(resolvedUserSyncURL) || !validator.IsRequestURL(resolvedUserSyncURL) {
		errs = append(errs, fmt.Errorf("The user_sync URL: %s for %s is invalid", resolvedUserSyncURL, adapterName))
	}
	return errs
}
