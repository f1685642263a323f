package ble

// Pybricks service and characteristics.
const (
	PybricksServiceUUID      = "c5f50001-8280-46da-89f4-6d8051e4aeef"
	PybricksCommandEventUUID = "c5f50002-8280-46da-89f4-6d8051e4aeef" // write + notify
	PybricksCapabilitiesUUID = "c5f50003-8280-46da-89f4-6d8051e4aeef" // read, newer firmware only
)

// Nordic UART service, used as the raw stdin/stdout data channel.
const (
	NordicUARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NordicUARTRXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // write
	NordicUARTTXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify
)

// Standard Device Information service.
const (
	DeviceInfoServiceUUID    = "0000180a-0000-1000-8000-00805f9b34fb"
	FirmwareRevisionCharUUID = "00002a26-0000-1000-8000-00805f9b34fb"
	SoftwareRevisionCharUUID = "00002a28-0000-1000-8000-00805f9b34fb"
)
