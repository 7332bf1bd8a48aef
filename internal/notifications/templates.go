package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	templateDeliveryDownload    = "delivery_download"
	templateDeliveryAccess      = "delivery_access"
	templateDeliveryEmail       = "delivery_email"
	templatePurchaseConfirm     = "purchase_confirmation"
	templateSubscriptionWelcome = "subscription_welcome"
	templateStudioWelcome       = "studio_welcome"
	templateStudioAdmin         = "studio_admin"
)

const layoutSource = `
{{define "header"}}<!DOCTYPE html><html><body style="font-family:Helvetica,Arial,sans-serif;color:#1f2933;max-width:560px;margin:0 auto;padding:24px">{{end}}
{{define "footer"}}<p style="margin-top:32px;font-size:12px;color:#7b8794">{{if .SiteURL}}<a href="{{.SiteURL}}">{{.SiteURL}}</a>{{end}}</p></body></html>{{end}}
{{define "greeting"}}<p>Hi{{if .Name}} {{.Name}}{{end}},</p>{{end}}

{{define "delivery_download"}}{{template "header" .}}{{template "greeting" .}}
<p>Thanks for grabbing <strong>{{.ProductName}}</strong>. Your download is ready.</p>
<p><a href="{{.DownloadURL}}" style="background:#1f2933;color:#fff;padding:12px 20px;text-decoration:none;border-radius:4px">Download {{.ProductName}}</a></p>
{{template "footer" .}}{{end}}

{{define "delivery_access"}}{{template "header" .}}{{template "greeting" .}}
<p>You now have access to <strong>{{.ProductName}}</strong>.</p>
<p>Open the link below and duplicate the template into your own workspace:</p>
<p><a href="{{.DownloadURL}}">{{.DownloadURL}}</a></p>
{{template "footer" .}}{{end}}

{{define "delivery_email"}}{{template "header" .}}{{template "greeting" .}}
<p>Here is your copy of <strong>{{.ProductName}}</strong>:</p>
<p><a href="{{.DownloadURL}}">Get {{.ProductName}}</a></p>
<p>Keep this email so you can come back to it later.</p>
{{template "footer" .}}{{end}}

{{define "purchase_confirmation"}}{{template "header" .}}{{template "greeting" .}}
<p>Your purchase of <strong>{{.ProductName}}</strong>{{if gt .Quantity 1}} (x{{.Quantity}}){{end}} is confirmed.</p>
<p>Amount paid: <strong>{{.Amount}}</strong></p>
{{if .DownloadURL}}<p><a href="{{.DownloadURL}}">Access your purchase</a></p>{{end}}
{{template "footer" .}}{{end}}

{{define "subscription_welcome"}}{{template "header" .}}{{template "greeting" .}}
<p>Welcome aboard. Your subscription to <strong>{{.ProductName}}</strong> is active.</p>
<p>First payment: <strong>{{.Amount}}</strong></p>
{{if .DownloadURL}}<p><a href="{{.DownloadURL}}">Get started</a></p>{{end}}
{{template "footer" .}}{{end}}

{{define "studio_welcome"}}{{template "header" .}}{{template "greeting" .}}
<p>Welcome to <strong>Studio Systems</strong>. Your {{.Tier}} membership is active{{if .PeriodEnd}} until {{.PeriodEnd}}{{end}}.</p>
{{if .SiteURL}}<p><a href="{{.SiteURL}}/studio">Open the studio</a></p>{{end}}
{{template "footer" .}}{{end}}

{{define "studio_admin"}}{{template "header" .}}
<p>New Studio Systems member.</p>
<ul>
<li>User: {{.UserID}}</li>
<li>Email: {{.MemberEmail}}</li>
<li>Tier: {{.Tier}}</li>
<li>Subscription: {{.SubscriptionID}}</li>
</ul>
{{template "footer" .}}{{end}}
`

var emailTemplates = template.Must(template.New("emails").Parse(layoutSource))

var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {},
	"mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {},
	"xof": {}, "xpf": {},
}

// FormatAmount renders minor currency units as a display amount, e.g. "25.00 USD".
func FormatAmount(amountCents int64, currency string) string {
	code := strings.ToLower(strings.TrimSpace(currency))
	exponent := int32(-2)
	if _, ok := zeroDecimalCurrencies[code]; ok {
		exponent = 0
	}
	amount := decimal.New(amountCents, exponent)
	formatted := amount.StringFixed(-exponent)
	if code == "" {
		return formatted
	}
	return formatted + " " + strings.ToUpper(code)
}

func render(name string, data any) (string, error) {
	var buffer bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&buffer, name, data); err != nil {
		return "", fmt.Errorf("notifications: render %s: %w", name, err)
	}
	return buffer.String(), nil
}
