package services

import (
	"fmt"
)

// ServiceRegistry facilitates runtime service discovery and dependency injection
// after the registration phase completes.
type ServiceRegistry struct {
	services map[string]ManagedService
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]ManagedService),
	}
}

func (r *ServiceRegistry) Register(name string, service ManagedService) {
	r.services[name] = service
}

func (r *ServiceRegistry) Get(name string) (ManagedService, error) {
	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return service, nil
}

func (r *ServiceRegistry) GetStorage() (*StorageService, error) {
	service, err := r.Get("storage")
	if err != nil {
		return nil, err
	}
	storage, ok := service.(*StorageService)
	if !ok {
		return nil, fmt.Errorf("service storage is not a StorageService")
	}
	return storage, nil
}

func (r *ServiceRegistry) GetEvents() (*EventsService, error) {
	service, err := r.Get("events")
	if err != nil {
		return nil, err
	}
	events, ok := service.(*EventsService)
	if !ok {
		return nil, fmt.Errorf("service events is not an EventsService")
	}
	return events, nil
}

func (r *ServiceRegistry) GetGateway() (*GatewayService, error) {
	service, err := r.Get("gateway")
	if err != nil {
		return nil, err
	}
	gateway, ok := service.(*GatewayService)
	if !ok {
		return nil, fmt.Errorf("service gateway is not a GatewayService")
	}
	return gateway, nil
}

func (r *ServiceRegistry) GetWebhooks() (*WebhookService, error) {
	service, err := r.Get("webhooks")
	if err != nil {
		return nil, err
	}
	webhooks, ok := service.(*WebhookService)
	if !ok {
		return nil, fmt.Errorf("service webhooks is not a WebhookService")
	}
	return webhooks, nil
}

func (r *ServiceRegistry) GetMetrics() (*MetricsService, error) {
	service, err := r.Get("metrics")
	if err != nil {
		return nil, err
	}
	metrics, ok := service.(*MetricsService)
	if !ok {
		return nil, fmt.Errorf("service metrics is not a MetricsService")
	}
	return metrics, nil
}

func (r *ServiceRegistry) GetHTTP() (*HTTPService, error) {
	service, err := r.Get("http")
	if err != nil {
		return nil, err
	}
	http, ok := service.(*HTTPService)
	if !ok {
		return nil, fmt.Errorf("service http is not a HTTPService")
	}
	return http, nil
}
