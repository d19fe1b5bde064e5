package macros

import (
	"bytes"
	"text/template"
)

// EndpointTemplateParams specifies params for an endpoint template
type EndpointTemplateParams struct {
	Host        string
	PublisherID string
}

// UserSyncTemplateParams specifies params for an user sync URL template
type UserSyncTemplateParams struct {
	GDPR        string
	GDPRConsent string
	USPrivacy   string
}

// ResolveMacros resolves macros in the given template with the provided params
func ResolveMacros(aTemplate *template.Template, params interface{}) (string, error) {
	strBuf := bytes.Buffer{}

	if err := aTemplate.Execute(&strBuf, params); err != nil {
		return "", err
	}
	return strBuf.String(), nil
}
