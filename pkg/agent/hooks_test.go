package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Notification
		wantErr bool
	}{
		{
			name:    "title and body",
			payload: `{"title":"Batch approved","body":"Batch 17 was approved"}`,
			want: Notification{
				Title:   "Batch approved",
				Body:    "Batch 17 was approved",
				Icon:    "/logo192.png",
				Badge:   "/logo192.png",
				Vibrate: []int{200, 100, 200},
			},
		},
		{
			name:    "title only",
			payload: `{"title":"Sync complete"}`,
			want: Notification{
				Title:   "Sync complete",
				Body:    "New notification",
				Icon:    "/logo192.png",
				Badge:   "/logo192.png",
				Vibrate: []int{200, 100, 200},
			},
		},
		{
			name:    "empty payload",
			payload: "",
			want: Notification{
				Title:   "Harit Swaraj",
				Body:    "New notification",
				Icon:    "/logo192.png",
				Badge:   "/logo192.png",
				Vibrate: []int{200, 100, 200},
			},
		},
		{
			name:    "extra fields ignored",
			payload: `{"body":"hello","icon":"/evil.png"}`,
			want: Notification{
				Title:   "Harit Swaraj",
				Body:    "hello",
				Icon:    "/logo192.png",
				Badge:   "/logo192.png",
				Vibrate: []int{200, 100, 200},
			},
		},
		{
			name:    "malformed json",
			payload: `{"title":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHooks_Sync(t *testing.T) {
	h := NewHooks(nil)

	calls := 0
	h.OnSync(SyncTagOfflineData, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, h.Sync(context.Background(), SyncTagOfflineData))
	assert.Equal(t, 1, calls)

	// Unregistered tags are ignored
	require.NoError(t, h.Sync(context.Background(), "unknown-tag"))
	assert.Equal(t, 1, calls)
}

func TestHooks_SyncError(t *testing.T) {
	h := NewHooks(nil)
	drainErr := errors.New("queue unavailable")
	h.OnSync(SyncTagOfflineData, func(ctx context.Context) error {
		return drainErr
	})

	err := h.Sync(context.Background(), SyncTagOfflineData)
	assert.ErrorIs(t, err, drainErr)
	assert.Contains(t, err.Error(), SyncTagOfflineData)
}

func TestHooks_OnSyncNilRemoves(t *testing.T) {
	h := NewHooks(nil)
	h.OnSync("tag", func(ctx context.Context) error { return errors.New("should not run") })
	h.OnSync("tag", nil)

	assert.NoError(t, h.Sync(context.Background(), "tag"))
}

func TestHooks_Push(t *testing.T) {
	var got []Notification
	h := NewHooks(NotifierFunc(func(ctx context.Context, n Notification) error {
		got = append(got, n)
		return nil
	}))

	require.NoError(t, h.Push(context.Background(), []byte(`{"title":"Hello"}`)))
	require.Len(t, got, 1)
	assert.Equal(t, "Hello", got[0].Title)
	assert.Equal(t, DefaultNotificationBody, got[0].Body)

	assert.Error(t, h.Push(context.Background(), []byte(`not json`)))
	assert.Len(t, got, 1)
}

func TestHooks_PushNotifierError(t *testing.T) {
	h := NewHooks(NotifierFunc(func(ctx context.Context, n Notification) error {
		return errors.New("display failed")
	}))

	err := h.Push(context.Background(), nil)
	assert.ErrorContains(t, err, "display failed")
}

func TestHooks_DefaultNotifierLogs(t *testing.T) {
	h := NewHooks(nil)
	assert.NoError(t, h.Push(context.Background(), nil))
}
