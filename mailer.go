package sso

import (
	"context"
	"sort"
	"strings"
)

// LogMailer writes mails to a Logger instead of sending them. Use it in
// development where no mail relay exists.
type LogMailer struct {
	Logger Logger
}

func (m LogMailer) Send(_ context.Context, to, templateKey string, params map[string]any) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalizeLogger(m.Logger).Info("mail %s to %s (params: %s)", templateKey, to, strings.Join(keys, ","))
	return nil
}
