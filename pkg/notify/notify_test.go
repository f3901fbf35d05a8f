// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	mu    sync.Mutex
	mails []*Mail
	err   error
}

func (r *recordingMailer) Send(ctx context.Context, m *Mail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mails = append(r.mails, m)
	return r.err
}

func TestNotifierRoutesLists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mailer := &recordingMailer{}
	n := NewNotifier(mailer, &config.NotifyConfig{
		Error:   []string{"oncall@example.com"},
		Summary: []string{"team@example.com"},
	}, "[sales] ")

	n.Error(ctx, "apply failed", cerror.New("connection reset"), map[string]string{
		"last executed": "INSERT INTO ctl.T ( A ) VALUES ( '1' )",
		"batch":         "b1",
	})
	s := &Summary{
		Title: "initsync", Status: "SUCCESS",
		Columns: []string{"table", "rows"},
		Rows:    [][]string{{"ctl.orders", "3"}, {"ctl.items", "<3>"}},
	}
	n.Summary(ctx, s)

	require.Len(t, mailer.mails, 2)
	errMail := mailer.mails[0]
	require.Equal(t, []string{"oncall@example.com"}, errMail.To)
	require.Equal(t, "[sales] apply failed", errMail.Subject)
	require.Contains(t, errMail.Text, "error: connection reset")
	require.Less(t, strings.Index(errMail.Text, "batch: b1"), strings.Index(errMail.Text, "last executed:"))

	summary := mailer.mails[1]
	require.Equal(t, []string{"team@example.com"}, summary.To)
	require.Equal(t, "[sales] initsync SUCCESS", summary.Subject)
	require.Contains(t, summary.Text, "ctl.orders\t3")
	require.Contains(t, summary.HTML, "<td>&lt;3&gt;</td>")
}

func TestNotifierSwallowsSendErrors(t *testing.T) {
	t.Parallel()

	mailer := &recordingMailer{err: cerror.New("smtp down")}
	n := NewNotifier(mailer, &config.NotifyConfig{Error: []string{"oncall@example.com"}}, "")
	n.Error(context.Background(), "extract failed", nil, nil)
	require.Len(t, mailer.mails, 1)

	// no summary list configured
	n.Summary(context.Background(), &Summary{Title: "run", Status: "ERROR"})
	require.Len(t, mailer.mails, 1)

	var disabled *Notifier
	disabled.Error(context.Background(), "no mailer", nil, nil)
	NewNotifier(nil, nil, "").Summary(context.Background(), &Summary{})
}
