/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// WebmailProvider is a closed set of consumer mailbox providers.
type WebmailProvider string

// Known webmail providers.
const (
	WebmailGmail      WebmailProvider = "gmail"
	WebmailOutlook    WebmailProvider = "outlook"
	WebmailHotmail    WebmailProvider = "hotmail"
	WebmailLive       WebmailProvider = "live"
	WebmailYahoo      WebmailProvider = "yahoo"
	WebmailHostinger  WebmailProvider = "hostinger"
	WebmailAOL        WebmailProvider = "aol"
	WebmailProtonmail WebmailProvider = "protonmail"
	WebmailZoho       WebmailProvider = "zoho"
	WebmailICloud     WebmailProvider = "icloud"
	WebmailGMX        WebmailProvider = "gmx"
	WebmailYandex     WebmailProvider = "yandex"
	WebmailMail       WebmailProvider = "mail"
)

// APIProvider is a closed set of transactional relay services.
type APIProvider string

// Known api relay providers.
const (
	APIMailgun   APIProvider = "mailgun"
	APISendgrid  APIProvider = "sendgrid"
	APIAmazonSES APIProvider = "amazon-ses"
	APIPostmark  APIProvider = "postmark"
	APISparkpost APIProvider = "sparkpost"
	APIBrevo     APIProvider = "brevo"
	APIMailjet   APIProvider = "mailjet"
	APIResend    APIProvider = "resend"
)

// Protocol selects the transport implementation.
type Protocol int

// Transport protocols.
const (
	ProtocolSMTP Protocol = iota
	ProtocolSES
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSMTP:
		return "smtp"
	case ProtocolSES:
		return "ses"
	}
	return "unknown"
}

// DefaultSESRegion is used for amazon-ses relays without region.
const DefaultSESRegion = "us-east-1"

type endpoint struct {
	host   string
	port   int
	secure bool
}

// webmailEndpoints has no entry for some known providers, those fall back to
// smtp.<provider>.com.
var webmailEndpoints = map[WebmailProvider]endpoint{
	WebmailGmail:      {host: "smtp.gmail.com", port: 587},
	WebmailOutlook:    {host: "smtp-mail.outlook.com", port: 587},
	WebmailHotmail:    {host: "smtp-mail.outlook.com", port: 587},
	WebmailLive:       {host: "smtp-mail.outlook.com", port: 587},
	WebmailYahoo:      {host: "smtp.mail.yahoo.com", port: 587},
	WebmailHostinger:  {host: "smtp.hostinger.com", port: 465, secure: true},
	WebmailAOL:        {host: "smtp.aol.com", port: 587},
	WebmailProtonmail: {host: "smtp.protonmail.ch", port: 587},
	WebmailZoho:       {host: "smtp.zoho.com", port: 587},
}

var knownWebmail = map[WebmailProvider]struct{}{
	WebmailGmail:      {},
	WebmailOutlook:    {},
	WebmailHotmail:    {},
	WebmailLive:       {},
	WebmailYahoo:      {},
	WebmailHostinger:  {},
	WebmailAOL:        {},
	WebmailProtonmail: {},
	WebmailZoho:       {},
	WebmailICloud:     {},
	WebmailGMX:        {},
	WebmailYandex:     {},
	WebmailMail:       {},
}

// Known reports whether w is a member of the webmail enum.
func (w WebmailProvider) Known() bool {
	_, ok := knownWebmail[w]
	return ok
}

// UnmarshalText rejects unknown webmail provider names.
func (w *WebmailProvider) UnmarshalText(text []byte) error {
	v := WebmailProvider(strings.ToLower(strings.TrimSpace(string(text))))
	if v != "" && !v.Known() {
		return fmt.Errorf("%w: webmail provider %q", ErrUnsupportedProvider, v)
	}
	*w = v
	return nil
}

type authConvention int

const (
	// Configuration username, api key as password.
	authKeyAsPassword authConvention = iota
	// Fixed username, api key as password.
	authFixedUsername
	// Api key as username and password.
	authKeyAsBoth
	// Api key as username, configuration password as secret.
	authKeyAndSecret
	// Access key id as username, api key as secret key.
	authAccessKey
)

type relay struct {
	endpoint
	protocol Protocol
	auth     authConvention
	username string
}

var apiRelays = map[APIProvider]relay{
	APIMailgun:   {endpoint: endpoint{host: "smtp.mailgun.org", port: 587}, auth: authKeyAsPassword},
	APISendgrid:  {endpoint: endpoint{host: "smtp.sendgrid.net", port: 587}, auth: authFixedUsername, username: "apikey"},
	APIAmazonSES: {protocol: ProtocolSES, endpoint: endpoint{port: 443, secure: true}, auth: authAccessKey},
	APIPostmark:  {endpoint: endpoint{host: "smtp.postmarkapp.com", port: 587}, auth: authKeyAsBoth},
	APISparkpost: {endpoint: endpoint{host: "smtp.sparkpostmail.com", port: 587}, auth: authFixedUsername, username: "SMTP_Injection"},
	APIBrevo:     {endpoint: endpoint{host: "smtp-relay.brevo.com", port: 587}, auth: authKeyAsPassword},
	APIMailjet:   {endpoint: endpoint{host: "in-v3.mailjet.com", port: 587}, auth: authKeyAndSecret},
	APIResend:    {endpoint: endpoint{host: "smtp.resend.com", port: 587}, auth: authFixedUsername, username: "resend"},
}

// Known reports whether a is a member of the api relay enum.
func (a APIProvider) Known() bool {
	_, ok := apiRelays[a]
	return ok
}

// UnmarshalText rejects unknown api provider names.
func (a *APIProvider) UnmarshalText(text []byte) error {
	v := APIProvider(strings.ToLower(strings.TrimSpace(string(text))))
	if v != "" && !v.Known() {
		return fmt.Errorf("%w: api provider %q", ErrUnsupportedProvider, v)
	}
	*a = v
	return nil
}

// TransportParams are the connection parameters of one transport.
type TransportParams struct {
	Protocol Protocol
	Host     string
	Port     int
	// Secure selects implicit TLS, otherwise STARTTLS is used when offered.
	Secure             bool
	InsecureSkipVerify bool

	Username string
	Password string
	Region   string
}

// Address returns host:port.
func (p *TransportParams) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// WebmailHost returns the submission host of a known webmail provider,
// falling back to smtp.<provider>.com.
func WebmailHost(w WebmailProvider) string {
	if ep, ok := webmailEndpoints[w]; ok {
		return ep.host
	}
	return "smtp." + string(w) + ".com"
}

// Resolve maps a configuration to transport parameters. It has no side
// effects.
func Resolve(cfg *Configuration) (*TransportParams, error) {
	params := &TransportParams{
		Protocol:           ProtocolSMTP,
		Username:           cfg.Username,
		Password:           cfg.Password,
		InsecureSkipVerify: cfg.Security.TLS != nil && !*cfg.Security.TLS,
	}

	switch cfg.ProviderType {
	case ProviderSMTP:
		params.Host = cfg.Host
		params.Port = cfg.Port
		params.Secure = cfg.Secure

	case ProviderWebmail:
		if !cfg.WebmailProvider.Known() {
			return nil, fmt.Errorf("%w: webmail provider %q", ErrUnsupportedProvider, cfg.WebmailProvider)
		}
		ep, ok := webmailEndpoints[cfg.WebmailProvider]
		if !ok {
			ep = endpoint{host: WebmailHost(cfg.WebmailProvider), port: DefaultPort}
		}
		params.Host = ep.host
		params.Port = ep.port
		params.Secure = ep.secure

	case ProviderAPI:
		r, ok := apiRelays[cfg.APIProvider]
		if !ok {
			return nil, fmt.Errorf("%w: api provider %q", ErrUnsupportedProvider, cfg.APIProvider)
		}
		params.Protocol = r.protocol
		params.Host = r.host
		params.Port = r.port
		params.Secure = r.secure
		switch r.auth {
		case authKeyAsPassword:
			params.Password = cfg.Secret()
		case authFixedUsername:
			params.Username = r.username
			params.Password = cfg.Secret()
		case authKeyAsBoth:
			params.Username = cfg.Secret()
			params.Password = cfg.Secret()
		case authKeyAndSecret:
			params.Username = cfg.APIKey
			params.Password = cfg.Password
		case authAccessKey:
			params.Password = cfg.Secret()
		}
		if r.protocol == ProtocolSES {
			params.Region = cfg.Region
			if params.Region == "" {
				params.Region = DefaultSESRegion
			}
			params.Host = "email." + params.Region + ".amazonaws.com"
		}

	default:
		return nil, fmt.Errorf("%w: provider type %q", ErrUnsupportedProvider, cfg.ProviderType)
	}

	return params, nil
}
