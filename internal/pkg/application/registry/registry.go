package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/iot-device-registry/internal/pkg/application/events"
	db "github.com/diwise/iot-device-registry/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-device-registry/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/samber/lo"
)

//go:generate moq -rm -out registry_mock.go . DeviceRegistry

type DeviceRegistry interface {
	Create(ctx context.Context, device types.Device) error
	List(ctx context.Context) ([]types.Device, error)
	Get(ctx context.Context, id int) (types.Device, error)
	Update(ctx context.Context, id int, device types.Device) error
	Delete(ctx context.Context, id int) error

	ListNetworks(ctx context.Context) ([]int, error)
	ListDevicesOnNetwork(ctx context.Context, networkNumber int) ([]types.Device, error)
	NextAddress(ctx context.Context, networkNumber int) (int, error)
}

var (
	ErrConflict     = errors.New("conflict")
	ErrDuplicateID  = fmt.Errorf("%w: device with this id already exists", ErrConflict)
	ErrAddressInUse = fmt.Errorf("%w: device with this network address and network number already exists", ErrConflict)
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// Publisher is the part of messaging.MsgContext used by the registry.
type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type AddressOrdering string

const (
	Lexicographic AddressOrdering = "lexicographic"
	Numeric       AddressOrdering = "numeric"
)

type Option func(*deviceRegistry)

// WithStrictUpdates makes Update fail with ErrNotFound when no device has the given id.
func WithStrictUpdates(strict bool) Option {
	return func(r *deviceRegistry) {
		r.strictUpdates = strict
	}
}

// WithAddressOrdering selects how NextAddress picks the highest address on a network.
func WithAddressOrdering(ordering AddressOrdering) Option {
	return func(r *deviceRegistry) {
		r.ordering = ordering
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *deviceRegistry) {
		r.publisher = p
	}
}

func WithEventSender(s events.EventSender) Option {
	return func(r *deviceRegistry) {
		r.eventSender = s
	}
}

type deviceRegistry struct {
	repository    db.DeviceRepository
	publisher     Publisher
	eventSender   events.EventSender
	strictUpdates bool
	ordering      AddressOrdering
}

func New(r db.DeviceRepository, opts ...Option) DeviceRegistry {
	reg := &deviceRegistry{
		repository: r,
		ordering:   Lexicographic,
	}

	for _, opt := range opts {
		opt(reg)
	}

	return reg
}

func (r *deviceRegistry) Create(ctx context.Context, device types.Device) error {
	err := r.repository.Create(ctx, toModel(device))
	if err != nil {
		return mapRepositoryError(err)
	}

	r.notify(ctx, &types.DeviceCreated{Device: device, Timestamp: time.Now().UTC()}, events.DeviceCreated, device)

	return nil
}

func (r *deviceRegistry) List(ctx context.Context) ([]types.Device, error) {
	devices, err := r.repository.GetAll(ctx)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	return lo.Map(devices, toDevice), nil
}

func (r *deviceRegistry) Get(ctx context.Context, id int) (types.Device, error) {
	device, err := r.repository.GetByID(ctx, id)
	if err != nil {
		return types.Device{}, mapRepositoryError(err)
	}

	return toDevice(device, 0), nil
}

// Update replaces the network placement of the device selected by id. The id
// field of the given device is ignored.
func (r *deviceRegistry) Update(ctx context.Context, id int, device types.Device) error {
	affected, err := r.repository.Update(ctx, id, device.NetworkAddress, device.NetworkNumber)
	if err != nil {
		return mapRepositoryError(err)
	}

	if affected == 0 {
		if r.strictUpdates {
			return fmt.Errorf("%w: no device with id %d", ErrNotFound, id)
		}

		logger := logging.GetFromContext(ctx)
		logger.Debug().Msgf("update of device %d matched no device", id)
		return nil
	}

	updated := types.Device{ID: id, NetworkAddress: device.NetworkAddress, NetworkNumber: device.NetworkNumber}
	r.notify(ctx, &types.DeviceUpdated{Device: updated, Timestamp: time.Now().UTC()}, events.DeviceUpdated, updated)

	return nil
}

func (r *deviceRegistry) Delete(ctx context.Context, id int) error {
	affected, err := r.repository.Delete(ctx, id)
	if err != nil {
		return mapRepositoryError(err)
	}

	if affected == 0 {
		return nil
	}

	r.notify(ctx, &types.DeviceDeleted{ID: id, Timestamp: time.Now().UTC()}, events.DeviceDeleted, types.Device{ID: id})

	return nil
}

func (r *deviceRegistry) ListNetworks(ctx context.Context) ([]int, error) {
	numbers, err := r.repository.GetNetworkNumbers(ctx)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	return lo.Uniq(numbers), nil
}

func (r *deviceRegistry) ListDevicesOnNetwork(ctx context.Context, networkNumber int) ([]types.Device, error) {
	devices, err := r.repository.GetDevicesOnNetwork(ctx, networkNumber)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	return lo.Map(devices, toDevice), nil
}

// NextAddress suggests the next address on a network by adding one to the
// highest address in use. With lexicographic ordering the highest address is
// the one whose text sorts first in descending order, e.g. "2" beats "19".
func (r *deviceRegistry) NextAddress(ctx context.Context, networkNumber int) (int, error) {
	if r.ordering == Numeric {
		return r.nextNumericAddress(ctx, networkNumber)
	}

	address, err := r.repository.GetHighestAddress(ctx, networkNumber)
	if err != nil {
		if errors.Is(err, db.ErrDeviceNotFound) {
			return 0, fmt.Errorf("%w: no devices on network %d", ErrNotFound, networkNumber)
		}
		return 0, mapRepositoryError(err)
	}

	n, err := parseAddress(address)
	if err != nil {
		return 0, err
	}

	return nextAfter(n)
}

func (r *deviceRegistry) nextNumericAddress(ctx context.Context, networkNumber int) (int, error) {
	addresses, err := r.repository.GetAddresses(ctx, networkNumber)
	if err != nil {
		return 0, mapRepositoryError(err)
	}

	if len(addresses) == 0 {
		return 0, fmt.Errorf("%w: no devices on network %d", ErrNotFound, networkNumber)
	}

	numbers := make([]int, 0, len(addresses))
	for _, a := range addresses {
		n, err := parseAddress(a)
		if err != nil {
			return 0, err
		}
		numbers = append(numbers, n)
	}

	return nextAfter(lo.Max(numbers))
}

func parseAddress(address string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(address))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid network address %q", ErrInvalidState, address)
	}
	return n, nil
}

func nextAfter(n int) (int, error) {
	if n == math.MaxInt {
		return 0, fmt.Errorf("%w: network address %d has no successor", ErrInvalidState, n)
	}
	return n + 1, nil
}

func (r *deviceRegistry) notify(ctx context.Context, msg messaging.TopicMessage, eventType string, device types.Device) {
	logger := logging.GetFromContext(ctx)

	if r.publisher != nil {
		if err := r.publisher.PublishOnTopic(ctx, msg); err != nil {
			logger.Error().Err(err).Msgf("failed to publish %s", msg.TopicName())
		}
	}

	if r.eventSender != nil {
		if err := r.eventSender.Send(ctx, eventType, device); err != nil {
			logger.Error().Err(err).Msgf("failed to send %s event", eventType)
		}
	}
}

func mapRepositoryError(err error) error {
	switch {
	case errors.Is(err, db.ErrDuplicateID):
		return ErrDuplicateID
	case errors.Is(err, db.ErrDuplicatePlacement):
		return ErrAddressInUse
	case errors.Is(err, db.ErrDeviceNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func toModel(d types.Device) db.Device {
	return db.Device{
		ID:             d.ID,
		NetworkAddress: d.NetworkAddress,
		NetworkNumber:  d.NetworkNumber,
	}
}

func toDevice(d db.Device, _ int) types.Device {
	return types.Device{
		ID:             d.ID,
		NetworkAddress: d.NetworkAddress,
		NetworkNumber:  d.NetworkNumber,
	}
}
