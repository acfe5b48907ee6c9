package database

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/diwise/iot-device-registry/internal/pkg/infrastructure/logging"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

func NewDeviceRepository(connect ConnectorFunc) (DeviceRepository, error) {
	impl, log, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Device{})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure devices table: %w", err)
	}

	log.Debug().Msgf("using %s device repository", impl.Dialector.Name())

	return &deviceRepository{
		db: impl,
	}, nil
}

//go:generate moq -rm -out devicerepository_mock.go . DeviceRepository

type DeviceRepository interface {
	Create(ctx context.Context, device Device) error
	GetAll(ctx context.Context) ([]Device, error)
	GetByID(ctx context.Context, id int) (Device, error)
	Update(ctx context.Context, id int, networkAddress string, networkNumber int) (int64, error)
	Delete(ctx context.Context, id int) (int64, error)

	GetNetworkNumbers(ctx context.Context) ([]int, error)
	GetDevicesOnNetwork(ctx context.Context, networkNumber int) ([]Device, error)
	GetHighestAddress(ctx context.Context, networkNumber int) (string, error)
	GetAddresses(ctx context.Context, networkNumber int) ([]string, error)

	Seed(ctx context.Context, reader io.Reader) error
	Close() error
}

var ErrDeviceNotFound = fmt.Errorf("device not found")
var ErrDuplicateID = fmt.Errorf("a device with this id already exists")
var ErrDuplicatePlacement = fmt.Errorf("a device with this network address and network number already exists")
var ErrRepositoryError = fmt.Errorf("could not fetch data from repository")

type deviceRepository struct {
	db *gorm.DB
}

func (d *deviceRepository) Create(ctx context.Context, device Device) error {
	err := d.db.WithContext(ctx).Create(&device).Error
	if err == nil {
		return nil
	}

	if !isUniqueViolation(err) {
		return d.repositoryError(ctx, err)
	}

	// the store only tells us that a constraint failed, not which one
	_, lookupErr := d.GetByID(ctx, device.ID)
	if lookupErr == nil {
		return ErrDuplicateID
	}
	if errors.Is(lookupErr, ErrDeviceNotFound) {
		return ErrDuplicatePlacement
	}

	return lookupErr
}

func (d *deviceRepository) GetAll(ctx context.Context) ([]Device, error) {
	devices := []Device{}

	err := d.db.WithContext(ctx).Find(&devices).Error
	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return devices, nil
}

func (d *deviceRepository) GetByID(ctx context.Context, id int) (Device, error) {
	var device = Device{}

	result := d.db.WithContext(ctx).
		Where("id = ?", id).
		First(&device)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Device{}, ErrDeviceNotFound
		}

		return Device{}, d.repositoryError(ctx, result.Error)
	}

	return device, nil
}

// Update overwrites the network placement of the device with the given id
// and returns the number of affected rows. A missing id is not an error.
func (d *deviceRepository) Update(ctx context.Context, id int, networkAddress string, networkNumber int) (int64, error) {
	result := d.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"network_address": networkAddress,
			"network_number":  networkNumber,
		})

	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return 0, ErrDuplicatePlacement
		}
		return 0, d.repositoryError(ctx, result.Error)
	}

	return result.RowsAffected, nil
}

// Delete removes the device with the given id and returns the number of
// affected rows. A missing id is not an error.
func (d *deviceRepository) Delete(ctx context.Context, id int) (int64, error) {
	result := d.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&Device{})

	if result.Error != nil {
		return 0, d.repositoryError(ctx, result.Error)
	}

	return result.RowsAffected, nil
}

func (d *deviceRepository) GetNetworkNumbers(ctx context.Context) ([]int, error) {
	numbers := []int{}

	err := d.db.WithContext(ctx).
		Model(&Device{}).
		Distinct().
		Pluck("network_number", &numbers).
		Error

	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return numbers, nil
}

func (d *deviceRepository) GetDevicesOnNetwork(ctx context.Context, networkNumber int) ([]Device, error) {
	devices := []Device{}

	err := d.db.WithContext(ctx).
		Where("network_number = ?", networkNumber).
		Find(&devices).
		Error

	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return devices, nil
}

// GetHighestAddress returns the address on the network that sorts first when
// the stored text is ordered descending. This is a byte-wise string ordering,
// so "2" is returned ahead of "19".
func (d *deviceRepository) GetHighestAddress(ctx context.Context, networkNumber int) (string, error) {
	addresses := []string{}

	order := "network_address DESC"
	if d.db.Dialector.Name() == "postgres" {
		// postgres would otherwise use the locale aware database collation
		order = `network_address COLLATE "C" DESC`
	}

	err := d.db.WithContext(ctx).
		Model(&Device{}).
		Where("network_number = ?", networkNumber).
		Order(order).
		Limit(1).
		Pluck("network_address", &addresses).
		Error

	if err != nil {
		return "", d.repositoryError(ctx, err)
	}

	if len(addresses) == 0 {
		return "", ErrDeviceNotFound
	}

	return addresses[0], nil
}

func (d *deviceRepository) GetAddresses(ctx context.Context, networkNumber int) ([]string, error) {
	addresses := []string{}

	err := d.db.WithContext(ctx).
		Model(&Device{}).
		Where("network_number = ?", networkNumber).
		Pluck("network_address", &addresses).
		Error

	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return addresses, nil
}

// Seed stores the devices read from a csv source. Devices whose id already
// exists get their network placement updated, all others are created.
func (d *deviceRepository) Seed(ctx context.Context, reader io.Reader) error {
	logger := logging.GetFromContext(ctx)

	devices, err := readDevices(reader)
	if err != nil {
		return err
	}

	created, updated := 0, 0

	for _, device := range devices {
		err := d.Create(ctx, device)
		if errors.Is(err, ErrDuplicateID) {
			_, err = d.Update(ctx, device.ID, device.NetworkAddress, device.NetworkNumber)
			if err == nil {
				updated++
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("failed to seed device %d: %w", device.ID, err)
		}
		created++
	}

	logger.Info().Msgf("seeded device repository, %d created and %d updated", created, updated)

	return nil
}

func (d *deviceRepository) Close() error {
	sqldb, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

func (d *deviceRepository) repositoryError(ctx context.Context, err error) error {
	logger := logging.GetFromContext(ctx)
	logger.Error().Err(err).Msg("gorm error")

	return fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return false
}
