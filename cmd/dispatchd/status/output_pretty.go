/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/muesli/termenv"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/server"
)

const prettyTemplate = `
{{- Bold "http"}}: {{or .ListenAddress "not set"}}
{{Bold "relay"}}: {{or .RelayListenAddress "disabled"}}
  {{Bold "sessions"}}: {{.RelaySessions}}
{{Bold "started"}}: {{Time .Started}}

{{Bold "configurations"}}: {{.Configs.Total}}
  {{Bold "active"}}: {{.Configs.Active}}
  {{Bold "valid"}}: {{WithCountColor "ok" .Configs.Valid}}
  {{Bold "error"}}: {{WithCountColor "nok" .Configs.Error}}

{{Bold "deliveries"}}:
  {{Bold "delivered"}}: {{WithCountColor "ok" .Delivered}}
  {{Bold "failed"}}: {{WithCountColor "nok" .Failed}}

{{Bold "last sweep"}}: {{Time .LastSweep}}
{{- if .LastSweep}}
  {{Bold "checked"}}: {{.LastSweepChecked}}
  {{Bold "invalid"}}: {{WithCountColor "nok" .LastSweepInvalid}}
{{- end}}
`

func templateFuncs(p termenv.Profile) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(value string) string {
			if p == termenv.Ascii {
				return value
			}
			return termenv.String(value).Bold().String()
		},
		"WithCountColor": func(kind string, value interface{}) string {
			text := fmt.Sprintf("%v", value)
			if text == "0" {
				return text
			}
			s := termenv.String(text)
			if kind == "ok" {
				s = s.Foreground(okColor)
			} else {
				s = s.Foreground(nokColor)
			}
			return s.String()
		},
		"Time": func(t *time.Time) string {
			if t == nil {
				return "never"
			}
			return t.Local().Format(time.RFC1123)
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	f := templateFuncs(termenv.ColorProfile())
	tpl, err := template.New("tpl").Funcs(f).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	return tpl.Execute(w, status)
}
