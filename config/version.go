package config

// ServiceName identifies the proxy in health and info responses
const ServiceName = "rainymodel"

// Version is overridden at build time with -ldflags "-X github.com/upb/rainymodel/config.Version=..."
var Version = "0.2.0"
