package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	ht "html/template"
	"net/smtp"
	"strings"
	tt "text/template"
	"time"

	"github.com/jordan-wright/email"
	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

// ReportParams contains the values that will be passed to the mail templates
type ReportParams struct {
	Message string
	// These fields will be set automatically
	BaseURL string
	Time    time.Time
}

var (
	reportText = tt.Must(tt.New("error report").Parse(`An error occurred on {{.BaseURL}} at {{.Time.Format "2006-01-02 15:04:05 MST"}}:

{{.Message}}
`))
	reportHTML = ht.Must(ht.New("error report html").Parse(`<p>An error occurred on <a href="{{.BaseURL}}">{{.BaseURL}}</a>
at {{.Time.Format "2006-01-02 15:04:05 MST"}}:</p>
<pre>{{.Message}}</pre>
`))
)

// Enabled reports whether error reports should be mailed
func Enabled(cfg *config.Config) bool {
	return cfg.Notify.Mail.To != "" && cfg.Notify.Mail.Server != ""
}

// SendReport mails an error report to the configured recipient
func SendReport(ctx context.Context, cfg *config.Config, params ReportParams) error {
	mc := cfg.Notify.Mail
	srvlog.Log(ctx).Debug().Msgf("Sending error report to %s", mc.To)

	params.BaseURL = cfg.HTTP.BaseURL
	params.Time = time.Now()

	mail := email.NewEmail()
	mail.From = mc.From
	mail.Subject = mc.Subject
	mail.To = strings.Split(mc.To, ",")

	text := strings.Builder{}
	err := reportText.Execute(&text, params)
	if err != nil {
		return eris.Wrap(err, "failed to execute report text template")
	}

	mail.Text = []byte(text.String())

	text.Reset()
	err = reportHTML.Execute(&text, params)
	if err != nil {
		return eris.Wrap(err, "failed to execute report HTML template")
	}

	mail.HTML = []byte(text.String())

	var auth smtp.Auth
	if mc.Username != "" {
		auth = smtp.PlainAuth("", mc.Username, mc.Password, mc.Server)
	}
	addr := fmt.Sprintf("%s:%d", mc.Server, mc.Port)

	if mc.Encryption == "STARTTLS" {
		err = mail.SendWithStartTLS(addr, auth, &tls.Config{
			ServerName: mc.Server,
		})
	} else if mc.Encryption == "SSL" {
		err = mail.SendWithTLS(addr, auth, &tls.Config{
			ServerName: mc.Server,
		})
	} else {
		err = mail.Send(addr, auth)
	}

	if err != nil {
		return eris.Wrap(err, "failed to send mail")
	}

	srvlog.Log(ctx).Debug().Msg("Mail successfully sent")
	return nil
}
