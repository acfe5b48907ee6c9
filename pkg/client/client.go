package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-device-registry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type DeviceRegistryClient interface {
	CreateDevice(ctx context.Context, device types.Device) error
	GetDevices(ctx context.Context) ([]types.Device, error)
	GetDevice(ctx context.Context, id int) (types.Device, error)
	UpdateDevice(ctx context.Context, id int, device types.Device) error
	DeleteDevice(ctx context.Context, id int) error

	GetNetworks(ctx context.Context) ([]int, error)
	GetDevicesOnNetwork(ctx context.Context, networkNumber int) ([]types.Device, error)
	GetNextAddress(ctx context.Context, networkNumber int) (int, error)
}

type deviceRegistryClient struct {
	url        string
	httpClient http.Client
}

var tracer = otel.Tracer("device-registry-client")

func NewDeviceRegistryClient(registryURL string) DeviceRegistryClient {
	return &deviceRegistryClient{
		url: strings.TrimSuffix(registryURL, "/"),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *deviceRegistryClient) CreateDevice(ctx context.Context, device types.Device) error {
	var err error
	ctx, span := tracer.Start(ctx, "create-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodPost, "/devices/", device, nil)
	return err
}

func (c *deviceRegistryClient) GetDevices(ctx context.Context) ([]types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	devices := []types.Device{}
	err = c.do(ctx, http.MethodGet, "/devices/", nil, &devices)
	if err != nil {
		return nil, err
	}

	return devices, nil
}

func (c *deviceRegistryClient) GetDevice(ctx context.Context, id int) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	device := types.Device{}
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("/devices/%d", id), nil, &device)
	if err != nil {
		return types.Device{}, err
	}

	return device, nil
}

func (c *deviceRegistryClient) UpdateDevice(ctx context.Context, id int, device types.Device) error {
	var err error
	ctx, span := tracer.Start(ctx, "update-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodPut, fmt.Sprintf("/devices/%d", id), device, nil)
	return err
}

func (c *deviceRegistryClient) DeleteDevice(ctx context.Context, id int) error {
	var err error
	ctx, span := tracer.Start(ctx, "delete-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodDelete, fmt.Sprintf("/devices/%d", id), nil, nil)
	return err
}

func (c *deviceRegistryClient) GetNetworks(ctx context.Context) ([]int, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-networks")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	networks := []int{}
	err = c.do(ctx, http.MethodGet, "/networks/", nil, &networks)
	if err != nil {
		return nil, err
	}

	return networks, nil
}

func (c *deviceRegistryClient) GetDevicesOnNetwork(ctx context.Context, networkNumber int) ([]types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-devices-on-network")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	devices := []types.Device{}
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("/networks/%d", networkNumber), nil, &devices)
	if err != nil {
		return nil, err
	}

	return devices, nil
}

func (c *deviceRegistryClient) GetNextAddress(ctx context.Context, networkNumber int) (int, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-next-address")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	next := types.NextAddress{}
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("/networks/%d/next-address", networkNumber), nil, &next)
	if err != nil {
		return 0, err
	}

	return next.NetworkAddress, nil
}

func (c *deviceRegistryClient) do(ctx context.Context, method, path string, body, result any) error {
	log := logging.GetFromContext(ctx)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to device registry failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := types.ErrorDetail{}
		json.Unmarshal(respBody, &detail)

		log.Debug().Msgf("%s %s failed with status code %d: %s", method, path, resp.StatusCode, detail.Detail)

		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, detail.Detail)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrConflict, detail.Detail)
		default:
			return fmt.Errorf("request failed with status code %d: %s", resp.StatusCode, detail.Detail)
		}
	}

	if result == nil {
		return nil
	}

	err = json.Unmarshal(respBody, result)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
