package usersync

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"text/template"

	validator "github.com/asaskevich/govalidator"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/macros"
)

// Syncer represents the user sync configuration of one bidder.
type Syncer interface {
	// Key is the cookie family: the name of the syncer as stored in the user's cookie. This is not
	// necessarily the bidder name.
	Key() string

	// GetSync returns the user sync the user's device should perform, or an error if macro
	// substitution fails.
	GetSync(privacy Privacy) (Sync, error)
}

// Privacy carries the consent signals sent to /cookie_sync, passed through to the sync url.
type Privacy struct {
	GDPR        string
	GDPRConsent string
	USPrivacy   string
}

// Sync represents a user sync for the user's device to perform.
type Sync struct {
	URL         string   `json:"url"`
	Type        SyncType `json:"type"`
	SupportCORS bool     `json:"supportCORS,omitempty"`
}

type standardSyncer struct {
	key         string
	syncType    SyncType
	template    *template.Template
	supportCORS bool
}

const (
	setuidSyncTypeIFrame   = "b"
	setuidSyncTypeRedirect = "i"
)

// NewSyncer creates a new Syncer instance from the provided configuration, or an error if macro
// substition fails or the url specified is invalid. Redirect syncs are preferred over iframes.
func NewSyncer(hostConfig config.UserSync, syncerConfig config.Syncer) (Syncer, error) {
	if syncerConfig.IFrame == nil && syncerConfig.Redirect == nil {
		return nil, errors.New("at least one iframe or redirect is required")
	}

	syncer := standardSyncer{
		key:         syncerConfig.Key,
		supportCORS: syncerConfig.SupportCORS,
	}

	endpoint, setuidSyncType := syncerConfig.Redirect, setuidSyncTypeRedirect
	syncer.syncType = SyncTypeRedirect
	if endpoint == nil {
		endpoint, setuidSyncType = syncerConfig.IFrame, setuidSyncTypeIFrame
		syncer.syncType = SyncTypeIFrame
	}

	var err error
	syncer.template, err = composeTemplate(syncerConfig.Key, setuidSyncType, hostConfig, *endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", syncer.syncType, err)
	}
	if err := validateTemplate(syncer.template); err != nil {
		return nil, fmt.Errorf("%s: %v", syncer.syncType, err)
	}

	return syncer, nil
}

var (
	externalHostRegex = regexp.MustCompile(`{{\s*.ExternalURL\s*}}`)
	syncerKeyRegex    = regexp.MustCompile(`{{\s*.SyncerKey\s*}}`)
	syncTypeRegex     = regexp.MustCompile(`{{\s*.SyncType\s*}}`)
	userMacroRegex    = regexp.MustCompile(`{{\s*.UserMacro\s*}}`)
	redirectRegex     = regexp.MustCompile(`{{\s*.RedirectURL\s*}}`)
	macroRegex        = regexp.MustCompile(`{{.*?}}`)
)

// composeTemplate resolves the startup macros of the sync url, leaving the privacy macros for
// each request.
func composeTemplate(key, syncTypeValue string, hostConfig config.UserSync, syncerEndpoint config.SyncerEndpoint) (*template.Template, error) {
	redirectTemplate := syncerEndpoint.RedirectURL
	if redirectTemplate == "" {
		redirectTemplate = hostConfig.RedirectURL
	}

	externalURL := syncerEndpoint.ExternalURL
	if externalURL == "" {
		externalURL = hostConfig.ExternalURL
	}

	redirectURL := externalHostRegex.ReplaceAllLiteralString(redirectTemplate, strings.TrimSuffix(externalURL, "/"))
	redirectURL = syncerKeyRegex.ReplaceAllLiteralString(redirectURL, key)
	redirectURL = syncTypeRegex.ReplaceAllLiteralString(redirectURL, syncTypeValue)
	redirectURL = userMacroRegex.ReplaceAllLiteralString(redirectURL, syncerEndpoint.UserMacro)
	redirectURL = escapeTemplate(redirectURL)

	url := redirectRegex.ReplaceAllLiteralString(syncerEndpoint.URL, redirectURL)

	templateName := strings.ToLower(key) + "_usersync_url"
	return template.New(templateName).Parse(url)
}

// escapeTemplate query escapes everything outside of the remaining {{ }} macros.
func escapeTemplate(x string) string {
	escaped := strings.Builder{}

	i := 0
	for _, m := range macroRegex.FindAllStringIndex(x, -1) {
		escaped.WriteString(url.QueryEscape(x[i:m[0]]))
		escaped.WriteString(x[m[0]:m[1]])
		i = m[1]
	}
	escaped.WriteString(url.QueryEscape(x[i:]))

	return escaped.String()
}

func validateTemplate(template *template.Template) error {
	testValues := macros.UserSyncTemplateParams{
		GDPR:        "anyGDPR",
		GDPRConsent: "anyGDPRConsent",
		USPrivacy:   "anyCCPAConsent",
	}

	url, err := macros.ResolveMacros(template, testValues)
	if err != nil {
		return err
	}

	if !validator.IsURL(url) || !validator.IsRequestURL(url) {
		return fmt.Errorf("composed url \"%s\" is invalid", url)
	}

	return nil
}

func (s standardSyncer) Key() string {
	return s.key
}

func (s standardSyncer) GetSync(privacy Privacy) (Sync, error) {
	url, err := macros.ResolveMacros(s.template, macros.UserSyncTemplateParams{
		GDPR:        privacy.GDPR,
		GDPRConsent: privacy.GDPRConsent,
		USPrivacy:   privacy.USPrivacy,
	})
	if err != nil {
		return Sync{}, err
	}

	return Sync{
		URL:         url,
		Type:        s.syncType,
		SupportCORS: s.supportCORS,
	}, nil
}
