package consul_client

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dante-gpu/experiment-orchestrator/internal/config"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Connect creates a Consul client and pings the local agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Connecting to Consul agent", zap.String("address", consulAddress))
	clientConfig := consulapi.DefaultConfig()
	clientConfig.Address = consulAddress
	client, err := consulapi.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect/ping consul agent: %w", err)
	}
	logger.Info("Connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// RegisterService registers the orchestrator with an HTTP check on its
// health endpoint.
func RegisterService(consulClient *consulapi.Client, cfg *config.Config, serviceID string, logger *zap.Logger) error {
	registration, err := buildRegistration(cfg, serviceID, logger)
	if err != nil {
		return err
	}

	logger.Info("Registering service with Consul",
		zap.String("service_id", serviceID),
		zap.String("service_name", cfg.ServiceName),
		zap.String("address", registration.Address),
		zap.Int("port", registration.Port),
		zap.String("check_url", registration.Check.HTTP),
	)

	if err := consulClient.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service '%s' with Consul: %w", cfg.ServiceName, err)
	}
	return nil
}

func buildRegistration(cfg *config.Config, serviceID string, logger *zap.Logger) (*consulapi.AgentServiceRegistration, error) {
	host, portStr, err := net.SplitHostPort(cfg.Port)
	if err != nil {
		// Port only (":8010" or "8010"); Consul uses the agent's address.
		portStr = cfg.Port
		if len(portStr) > 0 && portStr[0] == ':' {
			portStr = portStr[1:]
		}
		host = ""
		logger.Debug("Port config does not include host, Consul will use agent default address", zap.String("port_config", cfg.Port))
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port number '%s': %w", portStr, err)
	}

	return &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: host,
		Tags:    cfg.ServiceTags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s%s", net.JoinHostPort(getCheckAddress(host), strconv.Itoa(port)), cfg.HealthCheckPath),
			Interval:                       cfg.HealthCheckInterval.String(),
			Timeout:                        cfg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
			Notes:                          "Health check for Experiment Orchestrator",
		},
	}, nil
}

// getCheckAddress maps an unspecified service address to loopback for the
// health check URL.
func getCheckAddress(serviceAddress string) string {
	if serviceAddress == "" || serviceAddress == "0.0.0.0" || serviceAddress == "::" {
		return "127.0.0.1"
	}
	return serviceAddress
}

// DeregisterService removes the service from Consul on shutdown.
func DeregisterService(consulClient *consulapi.Client, serviceID string, logger *zap.Logger) error {
	logger.Info("Deregistering service from Consul", zap.String("service_id", serviceID))
	if err := consulClient.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service '%s': %w", serviceID, err)
	}
	logger.Info("Deregistered service from Consul", zap.String("service_id", serviceID))
	return nil
}
