package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/diwise/iot-device-registry/internal/pkg/application/registry"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-device-registry/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("iot-device-registry/api")

func RegisterHandlers(log zerolog.Logger, router *chi.Mux, svc registry.DeviceRegistry) *chi.Mux {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Route("/devices", func(r chi.Router) {
		r.Post("/", createDeviceHandler(log, svc))
		r.Get("/", listDevicesHandler(log, svc))
		r.Get("/{deviceID}", getDeviceHandler(log, svc))
		r.Put("/{deviceID}", updateDeviceHandler(log, svc))
		r.Delete("/{deviceID}", deleteDeviceHandler(log, svc))
	})

	router.Route("/networks", func(r chi.Router) {
		r.Get("/", listNetworksHandler(log, svc))
		r.Get("/{networkNumber}", listDevicesOnNetworkHandler(log, svc))
		r.Get("/{networkNumber}/next-address", nextAddressHandler(log, svc))
	})

	// collection paths without a trailing slash redirect to the canonical path
	router.Get("/devices", redirectTo("/devices/"))
	router.Get("/networks", redirectTo("/networks/"))

	return router
}

func createDeviceHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		d, err := readDevice(r.Body)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to read device from body")
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		err = svc.Create(ctx, d)
		if err != nil {
			if errors.Is(err, registry.ErrConflict) {
				requestLogger.Info().Err(err).Int("device_id", d.ID).Msg("device conflicts with an existing device")
				writeDetail(w, http.StatusBadRequest, "Device with this ID or Network Number and Network Address combination already exists")
				return
			}
			requestLogger.Error().Err(err).Msg("unable to create device")
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		writeJSON(w, http.StatusOK, types.StatusOK)
	}
}

func listDevicesHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		devices, err := svc.List(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch all devices")
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		writeJSON(w, http.StatusOK, devices)
	}
}

func getDeviceHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)

		id, err := intURLParam(r, "deviceID")
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		requestLogger = requestLogger.With().Int("device_id", id).Logger()
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		device, err := svc.Get(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			requestLogger.Debug().Msg("device not found")
			writeDetail(w, http.StatusNotFound, "Device not found")
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Msg("could not fetch data")
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

func updateDeviceHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "update-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)

		id, err := intURLParam(r, "deviceID")
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		requestLogger = requestLogger.With().Int("device_id", id).Logger()
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		d, err := readDevice(r.Body)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to read device from body")
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		err = svc.Update(ctx, id, d)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrConflict):
				requestLogger.Info().Err(err).Msg("update conflicts with an existing device")
				writeDetail(w, http.StatusBadRequest, "Device with this network address already exists")
			case errors.Is(err, registry.ErrNotFound):
				writeDetail(w, http.StatusNotFound, "Device not found")
			default:
				requestLogger.Error().Err(err).Msg("unable to update device")
				writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			}
			return
		}

		writeJSON(w, http.StatusOK, types.StatusOK)
	}
}

func deleteDeviceHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "delete-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)

		id, err := intURLParam(r, "deviceID")
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		requestLogger = requestLogger.With().Int("device_id", id).Logger()
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		err = svc.Delete(ctx, id)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to delete device")
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		writeJSON(w, http.StatusOK, types.StatusOK)
	}
}

func listNetworksHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-networks")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		networks, err := svc.ListNetworks(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch networks")
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		writeJSON(w, http.StatusOK, networks)
	}
}

func listDevicesOnNetworkHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-devices-on-network")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)

		networkNumber, err := intURLParam(r, "networkNumber")
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		requestLogger = requestLogger.With().Int("network_number", networkNumber).Logger()
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		devices, err := svc.ListDevicesOnNetwork(ctx, networkNumber)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch devices on network")
			writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		writeJSON(w, http.StatusOK, devices)
	}
}

func nextAddressHandler(log zerolog.Logger, svc registry.DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "next-address")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		requestLogger := newRequestLogger(log, span)

		networkNumber, err := intURLParam(r, "networkNumber")
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		requestLogger = requestLogger.With().Int("network_number", networkNumber).Logger()
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		next, err := svc.NextAddress(ctx, networkNumber)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrNotFound):
				writeDetail(w, http.StatusNotFound, "No devices on this network")
			case errors.Is(err, registry.ErrInvalidState):
				requestLogger.Error().Err(err).Msg("stored network address is not a number")
				writeDetail(w, http.StatusInternalServerError, "Invalid network address")
			default:
				requestLogger.Error().Err(err).Msg("unable to compute next address")
				writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
			}
			return
		}

		writeJSON(w, http.StatusOK, types.NextAddress{NetworkAddress: next})
	}
}

func redirectTo(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		location := target
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, location, http.StatusTemporaryRedirect)
	}
}

func newRequestLogger(log zerolog.Logger, span trace.Span) zerolog.Logger {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return log.With().Str("traceID", sc.TraceID().String()).Logger()
	}
	return log
}

func intURLParam(r *http.Request, name string) (int, error) {
	value := chi.URLParam(r, name)

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("path parameter %s must be an integer, got %q", name, value)
	}

	return n, nil
}

func readDevice(body io.Reader) (types.Device, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return types.Device{}, err
	}

	fields := map[string]json.RawMessage{}
	err = json.Unmarshal(b, &fields)
	if err != nil {
		return types.Device{}, fmt.Errorf("body is not a json object: %w", err)
	}

	for _, required := range []string{"id", "network_address", "network_number"} {
		if v, ok := fields[required]; !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return types.Device{}, fmt.Errorf("field %s is required", required)
		}
	}

	var d types.Device
	err = json.Unmarshal(b, &d)
	if err != nil {
		return types.Device{}, fmt.Errorf("body is not a valid device: %w", err)
	}

	return d, nil
}

func writeDetail(w http.ResponseWriter, statusCode int, detail string) {
	writeJSON(w, statusCode, types.ErrorDetail{Detail: detail})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(b)
}
