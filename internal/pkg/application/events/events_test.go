package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diwise/iot-device-registry/pkg/types"
	"github.com/matryer/is"
)

func TestConfig(t *testing.T) {
	is := is.New(t)
	config := strings.NewReader(`
notifications:
  - id: device-created
    name: Device created
    type: diwise.device.created
    subscribers:
    - endpoint: http://api-notification:8990
`)
	cfg, err := LoadConfiguration(config)

	is.NoErr(err)
	is.Equal(len(cfg.Notifications), 1)
	is.Equal(cfg.Notifications[0].ID, "device-created")
	is.Equal(cfg.Notifications[0].Subscribers[0].Endpoint, "http://api-notification:8990")
}

func TestThatBadConfigFails(t *testing.T) {
	is := is.New(t)

	_, err := LoadConfiguration(strings.NewReader("notifications: [gurka"))
	is.True(err != nil)
}

func TestThatEventIsSentToSubscriber(t *testing.T) {
	is := is.New(t)

	var eventType string
	var received types.Device

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventType = r.Header.Get("Ce-Type")
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := New(&Config{
		Notifications: []Notification{
			{ID: "created", Type: DeviceCreated, Subscribers: []SubscriberConfig{{Endpoint: server.URL}}},
		},
	})
	is.NoErr(err)

	device := types.Device{ID: 1, NetworkAddress: "2", NetworkNumber: 5}
	err = sender.Send(context.Background(), DeviceCreated, device)
	is.NoErr(err)

	is.Equal(eventType, DeviceCreated)
	is.Equal(received, device)
}

func TestThatEventWithoutSubscribersIsDropped(t *testing.T) {
	is := is.New(t)

	sender, err := New(nil)
	is.NoErr(err)

	err = sender.Send(context.Background(), DeviceDeleted, types.Device{ID: 1})
	is.NoErr(err)
}
