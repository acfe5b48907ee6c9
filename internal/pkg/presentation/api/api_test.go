package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/diwise/iot-device-registry/internal/pkg/application/registry"
	db "github.com/diwise/iot-device-registry/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-device-registry/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestHealth(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodGet, "/health", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestCreateAndGetDevice(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, body := testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":1,"network_address":"12","network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"status":"ok"}`)

	resp, body = testRequest(is, server, http.MethodGet, "/devices/1", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(resp.Header.Get("Content-Type"), "application/json")
	is.Equal(body, `{"id":1,"network_address":"12","network_number":5}`)
}

func TestThatDuplicateDeviceIsRejected(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	createDevice(is, server, `{"id":1,"network_address":"12","network_number":5}`)

	resp, body := testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":1,"network_address":"13","network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)
	is.True(strings.Contains(body, `"detail"`))

	resp, _ = testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":2,"network_address":"12","network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestThatInvalidBodyIsUnprocessable(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":1,"network_address":12,"network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)

	resp, _ = testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":1,"network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)

	resp, _ = testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`gurka`))
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)
}

func TestThatNullFieldsAreUnprocessable(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":null,"network_address":"12","network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)

	resp, _ = testRequest(is, server, http.MethodPost, "/devices/", strings.NewReader(`{"id":1,"network_address":"12","network_number": null }`))
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)

	createDevice(is, server, `{"id":1,"network_address":"12","network_number":5}`)

	resp, _ = testRequest(is, server, http.MethodPut, "/devices/1", strings.NewReader(`{"id":1,"network_address":null,"network_number":5}`))
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)

	_, body := testRequest(is, server, http.MethodGet, "/devices/", nil)
	is.Equal(body, `[{"id":1,"network_address":"12","network_number":5}]`)
}

func TestThatCollectionsWithoutTrailingSlashAreRedirected(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	noRedirects := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for path, location := range map[string]string{"/devices": "/devices/", "/networks": "/networks/"} {
		resp, err := noRedirects.Get(server.URL + path)
		is.NoErr(err)
		resp.Body.Close()

		is.Equal(resp.StatusCode, http.StatusTemporaryRedirect)
		is.Equal(resp.Header.Get("Location"), location)
	}

	createDevice(is, server, `{"id":1,"network_address":"12","network_number":5}`)

	resp, body := testRequest(is, server, http.MethodGet, "/devices", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `[{"id":1,"network_address":"12","network_number":5}]`)
}

func TestThatGetUnknownDeviceReturns404(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, body := testRequest(is, server, http.MethodGet, "/devices/42", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
	is.Equal(body, `{"detail":"Device not found"}`)
}

func TestThatNonNumericDeviceIDIsUnprocessable(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodGet, "/devices/nosuchdevice", nil)
	is.Equal(resp.StatusCode, http.StatusUnprocessableEntity)
}

func TestListDevices(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	resp, body := testRequest(is, server, http.MethodGet, "/devices/", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `[]`)

	createDevice(is, server, `{"id":1,"network_address":"1","network_number":1}`)
	createDevice(is, server, `{"id":2,"network_address":"2","network_number":1}`)

	_, body = testRequest(is, server, http.MethodGet, "/devices/", nil)

	devices := []types.Device{}
	is.NoErr(json.Unmarshal([]byte(body), &devices))
	is.Equal(len(devices), 2)
}

func TestUpdateDevice(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	createDevice(is, server, `{"id":1,"network_address":"1","network_number":1}`)
	createDevice(is, server, `{"id":2,"network_address":"2","network_number":1}`)

	resp, body := testRequest(is, server, http.MethodPut, "/devices/1", strings.NewReader(`{"id":1,"network_address":"5","network_number":3}`))
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"status":"ok"}`)

	_, body = testRequest(is, server, http.MethodGet, "/devices/1", nil)
	is.Equal(body, `{"id":1,"network_address":"5","network_number":3}`)

	resp, _ = testRequest(is, server, http.MethodPut, "/devices/1", strings.NewReader(`{"id":1,"network_address":"2","network_number":1}`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	// unknown ids are accepted and change nothing
	resp, _ = testRequest(is, server, http.MethodPut, "/devices/77", strings.NewReader(`{"id":77,"network_address":"9","network_number":9}`))
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, _ = testRequest(is, server, http.MethodGet, "/devices/77", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestDeleteDevice(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	createDevice(is, server, `{"id":1,"network_address":"1","network_number":1}`)

	resp, body := testRequest(is, server, http.MethodDelete, "/devices/1", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"status":"ok"}`)

	resp, _ = testRequest(is, server, http.MethodGet, "/devices/1", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)

	resp, _ = testRequest(is, server, http.MethodDelete, "/devices/1", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
}

func TestNetworks(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	createDevice(is, server, `{"id":1,"network_address":"1","network_number":1}`)
	createDevice(is, server, `{"id":2,"network_address":"2","network_number":1}`)
	createDevice(is, server, `{"id":3,"network_address":"1","network_number":2}`)

	resp, body := testRequest(is, server, http.MethodGet, "/networks/", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	networks := []int{}
	is.NoErr(json.Unmarshal([]byte(body), &networks))
	sort.Ints(networks)
	is.Equal(networks, []int{1, 2})

	resp, body = testRequest(is, server, http.MethodGet, "/networks/2", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `[{"id":3,"network_address":"1","network_number":2}]`)
}

func TestNextAddress(t *testing.T) {
	is, server := setupTest(t)
	defer server.Close()

	createDevice(is, server, `{"id":1,"network_address":"2","network_number":5}`)
	createDevice(is, server, `{"id":2,"network_address":"19","network_number":5}`)
	createDevice(is, server, `{"id":3,"network_address":"abc","network_number":7}`)

	resp, body := testRequest(is, server, http.MethodGet, "/networks/5/next-address", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"network_address":3}`)

	resp, body = testRequest(is, server, http.MethodGet, "/networks/6/next-address", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
	is.Equal(body, `{"detail":"No devices on this network"}`)

	resp, body = testRequest(is, server, http.MethodGet, "/networks/7/next-address", nil)
	is.Equal(resp.StatusCode, http.StatusInternalServerError)
	is.Equal(body, `{"detail":"Invalid network address"}`)
}

func setupTest(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)
	log := zerolog.Nop()

	repo, err := db.NewDeviceRepository(db.NewSQLiteConnector(log, ""))
	is.NoErr(err)

	r := router.New("iot-device-registry")
	RegisterHandlers(log, r, registry.New(repo))

	return is, httptest.NewServer(r)
}

func createDevice(is *is.I, ts *httptest.Server, body string) {
	resp, _ := testRequest(is, ts, http.MethodPost, "/devices/", strings.NewReader(body))
	is.Equal(resp.StatusCode, http.StatusOK)
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, err := http.NewRequest(method, ts.URL+path, body)
	is.NoErr(err)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return resp, string(respBody)
}
