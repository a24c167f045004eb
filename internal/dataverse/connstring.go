// Package dataverse talks to the Dataverse Web API on behalf of tool
// instances. It also understands the classic semicolon-delimited
// connection-string format so credentials captured elsewhere can be
// imported as connections.
package dataverse

import (
	"sort"
	"strings"

	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/fault"
)

// ConnectionParams is the normalized result of parsing a connection
// string. Only the fields relevant to the detected auth mode are set.
type ConnectionParams struct {
	URL                string
	AuthenticationType store.AuthenticationType
	Username           string
	Password           string
	ClientID           string
	ClientSecret       string
	TenantID           string
	RedirectURI        string
}

// recognized connection-string keys, lowercased.
const (
	keyAuthType     = "authtype"
	keyURL          = "url"
	keyServiceURI   = "serviceuri"
	keyUsername     = "username"
	keyPassword     = "password"
	keyAppID        = "appid"
	keyClientID     = "clientid"
	keyClientSecret = "clientsecret"
	keyTenantID     = "tenantid"
	keyRedirectURI  = "redirecturi"
)

// ParseConnectionString parses the semicolon-separated key=value format.
// Keys are case-insensitive; values may themselves contain '='. The URL
// (or ServiceUri) is mandatory. When AuthType is omitted the mode is
// inferred from which credentials are present, defaulting to interactive.
func ParseConnectionString(raw string) (ConnectionParams, error) {
	fields := make(map[string]string)
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		parts := strings.SplitN(segment, "=", 2)
		if len(parts) != 2 {
			return ConnectionParams{}, fault.New(fault.KindInvalidArgument,
				"connection string segment %q is not key=value", segment)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		fields[key] = strings.TrimSpace(parts[1])
	}

	params := ConnectionParams{
		URL:          firstNonEmpty(fields[keyURL], fields[keyServiceURI]),
		Username:     fields[keyUsername],
		Password:     fields[keyPassword],
		ClientID:     firstNonEmpty(fields[keyClientID], fields[keyAppID]),
		ClientSecret: fields[keyClientSecret],
		TenantID:     fields[keyTenantID],
		RedirectURI:  fields[keyRedirectURI],
	}
	if params.URL == "" {
		return ConnectionParams{}, fault.New(fault.KindInvalidArgument,
			"connection string is missing Url (or ServiceUri)")
	}

	switch strings.ToLower(fields[keyAuthType]) {
	case "office365":
		params.AuthenticationType = store.AuthUsernamePassword
	case "oauth":
		params.AuthenticationType = store.AuthInteractive
	case "clientsecret":
		params.AuthenticationType = store.AuthClientSecret
	case "":
		params.AuthenticationType = inferAuthType(params)
	default:
		return ConnectionParams{}, fault.New(fault.KindInvalidArgument,
			"unsupported AuthType %q", fields[keyAuthType])
	}
	return params, nil
}

// inferAuthType guesses the auth mode from which credentials are
// present when AuthType is absent.
func inferAuthType(p ConnectionParams) store.AuthenticationType {
	switch {
	case p.ClientSecret != "" && p.ClientID != "":
		return store.AuthClientSecret
	case p.Username != "" && p.Password != "":
		return store.AuthUsernamePassword
	default:
		return store.AuthInteractive
	}
}

// BuildConnectionString serializes params back to the canonical string
// form. Parsing the result yields an equivalent ConnectionParams.
func BuildConnectionString(p ConnectionParams) string {
	pairs := map[string]string{
		"Url":          p.URL,
		"Username":     p.Username,
		"Password":     p.Password,
		"ClientId":     p.ClientID,
		"ClientSecret": p.ClientSecret,
		"TenantId":     p.TenantID,
		"RedirectUri":  p.RedirectURI,
	}
	switch p.AuthenticationType {
	case store.AuthUsernamePassword:
		pairs["AuthType"] = "Office365"
	case store.AuthClientSecret:
		pairs["AuthType"] = "ClientSecret"
	case store.AuthInteractive:
		pairs["AuthType"] = "OAuth"
	}

	// Stable ordering keeps the output deterministic.
	keys := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	segments := make([]string, 0, len(keys))
	for _, k := range keys {
		segments = append(segments, k+"="+pairs[k])
	}
	return strings.Join(segments, ";")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
