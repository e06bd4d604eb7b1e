package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEOS-Org/biosync/internal/report"
)

func TestParse_Aliases(t *testing.T) {
	tests := map[string]struct {
		in   string
		want Command
	}{
		"english": {
			in:   `{"device_id":"dev","action":"enroll","user_id":42,"external_id":"40111222","display_name":"Inés","role":"member"}`,
			want: Command{DeviceID: "dev", Action: ActionEnroll, UserID: 42, ExternalID: "40111222", DisplayName: "Inés", Role: "member"},
		},
		"spanish": {
			in:   `{"dispositivo_id":"dev","accion":"registrar","usuario_id":"42","dni":"40111222","nombre":"Inés","rol":"alumno"}`,
			want: Command{DeviceID: "dev", Action: ActionEnroll, UserID: 42, ExternalID: "40111222", DisplayName: "Inés", Role: "alumno"},
		},
		"sync alias": {
			in:   `{"accion":"sync"}`,
			want: Command{Action: ActionForceSync},
		},
		"borrar": {
			in:   `{"accion":"BORRAR","usuario_id":7}`,
			want: Command{Action: ActionDelete, UserID: 7},
		},
		"estado": {
			in:   `{"action":"estado","user_id":null}`,
			want: Command{Action: ActionGetStatus},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":         `{"action":`,
		"no action":        `{"device_id":"dev"}`,
		"unknown action":   `{"action":"reboot"}`,
		"enroll no user":   `{"action":"enroll"}`,
		"delete zero user": `{"action":"delete","user_id":0}`,
		"user not numeric": `{"action":"delete","user_id":"abc"}`,
		"user fractional":  `{"action":"delete","user_id":1.5}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_KeepsDeviceIDOnError(t *testing.T) {
	cmd, err := Parse([]byte(`{"dispositivo_id":"other","accion":"reboot"}`))
	require.Error(t, err)
	assert.Equal(t, "other", cmd.DeviceID)
}

type fakeExecutor struct {
	calls   []string
	enroll  Command
	deleted int64
	err     error
}

func (f *fakeExecutor) ForceSync(context.Context) error {
	f.calls = append(f.calls, "sync")
	return f.err
}

func (f *fakeExecutor) BeginEnrollment(_ context.Context, cmd Command) error {
	f.calls = append(f.calls, "enroll")
	f.enroll = cmd
	return f.err
}

func (f *fakeExecutor) Delete(_ context.Context, id int64) error {
	f.calls = append(f.calls, "delete")
	f.deleted = id
	return f.err
}

func (f *fakeExecutor) PublishStatus(context.Context) error {
	f.calls = append(f.calls, "status")
	return f.err
}

func TestDispatch_RoutesActions(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	d := NewDispatcher("dev", exec)

	for _, in := range []string{
		`{"action":"force-sync"}`,
		`{"device_id":"dev","action":"enroll","user_id":9,"nombre":"Luis"}`,
		`{"accion":"borrar","usuario_id":7}`,
		`{"action":"get-status"}`,
	} {
		res, handled := d.Dispatch(ctx, []byte(in))
		require.True(t, handled, in)
		assert.True(t, res.Success, in)
	}
	assert.Equal(t, []string{"sync", "enroll", "delete", "status"}, exec.calls)
	assert.Equal(t, "Luis", exec.enroll.DisplayName)
	assert.Equal(t, int64(7), exec.deleted)
}

func TestDispatch_IgnoresOtherDevices(t *testing.T) {
	exec := &fakeExecutor{}
	sink := report.NewMemorySink()
	d := NewDispatcher("dev", exec, WithSink(sink))

	_, handled := d.Dispatch(context.Background(), []byte(`{"device_id":"other","action":"force-sync"}`))
	assert.False(t, handled)

	_, handled = d.Dispatch(context.Background(), []byte(`{"device_id":"other","action":"reboot"}`))
	assert.False(t, handled)

	assert.Empty(t, exec.calls)
	assert.Empty(t, sink.Reports())
}

func TestDispatch_MalformedIsReported(t *testing.T) {
	exec := &fakeExecutor{}
	sink := report.NewMemorySink()
	d := NewDispatcher("dev", exec, WithSink(sink))

	res, handled := d.Dispatch(context.Background(), []byte(`garbage`))
	require.True(t, handled)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Reason)
	assert.Empty(t, exec.calls)
	assert.Equal(t, 1, sink.Count(report.KindMalformedCommand))
}

func TestDispatch_FailureIsReported(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("sensor refused delete")}
	sink := report.NewMemorySink()
	d := NewDispatcher("dev", exec, WithSink(sink))

	res, handled := d.Dispatch(context.Background(), []byte(`{"action":"delete","user_id":7}`))
	require.True(t, handled)
	assert.Equal(t, Result{Command: ActionDelete, UserID: 7, Reason: "sensor refused delete"}, res)

	reports := sink.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, report.KindCommandFailed, reports[0].Kind)
	assert.Equal(t, "command.delete", reports[0].Op)
	assert.Equal(t, int64(7), reports[0].UserID)
}

func TestParseAction(t *testing.T) {
	a, ok := ParseAction(" Force-Sync ")
	assert.True(t, ok)
	assert.Equal(t, ActionForceSync, a)

	_, ok = ParseAction("reboot")
	assert.False(t, ok)
}
