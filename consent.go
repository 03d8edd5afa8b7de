package oauth

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/server"
)

// ConsentPrompt carries everything a consent page needs to render and to
// round-trip the authorization request through the approve/deny form.
type ConsentPrompt struct {
	// ClientName is the registered display name of the requesting client.
	ClientName string

	// Scopes are the scopes being requested, with human-readable labels.
	Scopes []ScopeDescription

	// FormAction is the URL the approve/deny form posts to.
	FormAction string

	// Params are the original authorization parameters, echoed back as
	// hidden form fields so the POST can be re-validated from scratch.
	Params map[string]string
}

// ScopeDescription pairs a scope with its label for display.
type ScopeDescription struct {
	Scope string
	Label string
}

// ConsentPrompter renders the consent page. Implement it to replace the
// built-in template with application-branded UI; the implementation must POST
// back to FormAction with the hidden Params plus action=approve or
// action=deny.
type ConsentPrompter interface {
	PromptConsent(w http.ResponseWriter, r *http.Request, prompt *ConsentPrompt)
}

// scopeLabels maps Lion Reader API scopes to consent page wording.
var scopeLabels = map[string]string{
	"feeds.read":    "See your subscribed feeds",
	"feeds.write":   "Subscribe and unsubscribe feeds for you",
	"entries.read":  "Read your articles and read/unread state",
	"entries.write": "Mark articles read, starred, or saved",
	"account.read":  "See your account email and settings",
}

// describeScopes builds display rows for the requested scopes, falling back
// to the raw scope string for anything without a label.
func describeScopes(scopes []string) []ScopeDescription {
	out := make([]ScopeDescription, 0, len(scopes))
	for _, sc := range scopes {
		label := scopeLabels[sc]
		if label == "" {
			label = sc
		}
		out = append(out, ScopeDescription{Scope: sc, Label: label})
	}
	return out
}

// consentTemplate is the built-in consent page. Values are inserted through
// html/template so client-supplied strings (client name, state) are escaped;
// the page itself carries a restrictive CSP from SetSecurityHeaders.
const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f6f7f9; margin: 0; }
.card { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 8px; padding: 32px; box-shadow: 0 1px 4px rgba(0,0,0,.12); }
h1 { font-size: 1.2rem; margin: 0 0 8px; }
p { color: #444; }
ul { padding-left: 20px; color: #333; }
li { margin: 6px 0; }
.actions { display: flex; gap: 12px; margin-top: 24px; }
button { flex: 1; padding: 10px 0; border-radius: 6px; border: 1px solid #ccc; background: #fff; font-size: 1rem; cursor: pointer; }
button.approve { background: #1a73e8; border-color: #1a73e8; color: #fff; }
</style>
</head>
<body>
<div class="card">
<h1>Authorize {{.ClientName}}</h1>
<p><strong>{{.ClientName}}</strong> is asking for permission to:</p>
<ul>
{{range .Scopes}}<li>{{.Label}}</li>
{{end}}</ul>
<form method="post" action="{{.FormAction}}">
{{range $name, $value := .Params}}<input type="hidden" name="{{$name}}" value="{{$value}}">
{{end}}<div class="actions">
<button type="submit" name="action" value="deny">Deny</button>
<button type="submit" name="action" value="approve" class="approve">Allow</button>
</div>
</form>
</div>
</body>
</html>
`

var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

// htmlConsentPrompter renders the built-in consent template.
type htmlConsentPrompter struct {
	issuer string
}

func (p *htmlConsentPrompter) PromptConsent(w http.ResponseWriter, r *http.Request, prompt *ConsentPrompt) {
	security.SetSecurityHeaders(w, p.issuer)
	// The built-in page uses an inline stylesheet and posts back to this
	// server, so the default deny-all CSP is relaxed for exactly that.
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := consentTmpl.Execute(w, prompt); err != nil {
		http.Error(w, "failed to render consent page", http.StatusInternalServerError)
	}
}

// buildConsentPrompt assembles prompt data from a validated authorization
// request.
func buildConsentPrompt(req *server.AuthorizeRequest, formAction string) *ConsentPrompt {
	params := map[string]string{
		"response_type":         "code",
		"client_id":             req.Client.ClientID,
		"redirect_uri":          req.RedirectURI,
		"scope":                 strings.Join(req.Scopes, " "),
		"code_challenge":        req.CodeChallenge,
		"code_challenge_method": "S256",
	}
	if req.State != "" {
		params["state"] = req.State
	}
	if req.Resource != "" {
		params["resource"] = req.Resource
	}

	return &ConsentPrompt{
		ClientName: req.Client.ClientName,
		Scopes:     describeScopes(req.Scopes),
		FormAction: formAction,
		Params:     params,
	}
}
