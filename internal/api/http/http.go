package http

type Config struct {
	Port uint `mapstructure:"port"`
	// AdvertiseAddr is how sibling instances reach this one for relays,
	// host:port.
	AdvertiseAddr  string `mapstructure:"advertise_addr"`
	InternalAPIKey string `mapstructure:"internal_api_key"`
}
