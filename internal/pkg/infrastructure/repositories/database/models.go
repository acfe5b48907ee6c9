package database

type Device struct {
	ID             int    `gorm:"primaryKey;autoIncrement:false"`
	NetworkAddress string `gorm:"type:text;uniqueIndex:idx_devices_network_placement"`
	NetworkNumber  int    `gorm:"uniqueIndex:idx_devices_network_placement"`
}
