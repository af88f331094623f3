package di

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"studio-core/internal/shared/logger"
	"studio-core/internal/studio"
	"studio-core/internal/studio/config"
)

// Container holds the application's modules and shared services and shuts
// them down in order.
type Container struct {
	mu       sync.RWMutex
	services map[reflect.Type]interface{}

	StudioModule *studio.StudioModule
	Config       *config.Config
	Logger       logger.Logger
}

// NewContainer creates an empty container.
func NewContainer(log logger.Logger) *Container {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Container{
		services: make(map[reflect.Type]interface{}),
		Logger:   log,
	}
}

// InitializeStudio builds the studio module from cfg.
func (c *Container) InitializeStudio(ctx context.Context, cfg *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StudioModule != nil {
		return errors.New("studio module already initialized")
	}
	module, err := studio.NewStudioModule(ctx, cfg, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to create studio module: %w", err)
	}
	c.Config = module.Config
	c.StudioModule = module
	c.services[reflect.TypeOf(module.Client).Elem()] = module.Client
	return nil
}

// Register registers a service instance under its (dereferenced) type.
func (c *Container) Register(service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	serviceType := reflect.TypeOf(service)
	if serviceType.Kind() == reflect.Ptr {
		serviceType = serviceType.Elem()
	}
	c.services[serviceType] = service
}

// Resolve returns the service registered for serviceType.
func (c *Container) Resolve(serviceType reflect.Type) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if serviceType.Kind() == reflect.Ptr {
		serviceType = serviceType.Elem()
	}
	if service, exists := c.services[serviceType]; exists {
		return service, nil
	}
	return nil, fmt.Errorf("service of type %v not registered", serviceType)
}

// GetService is a generic helper for resolving services.
func GetService[T any](c *Container) (T, error) {
	var zero T
	service, err := c.Resolve(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("service is not of expected type %T", zero)
	}
	return typed, nil
}

// GetStudioModule returns the studio module, nil before InitializeStudio.
func (c *Container) GetStudioModule() *studio.StudioModule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StudioModule
}

// HealthCheck checks every initialized module.
func (c *Container) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.StudioModule != nil {
		if err := c.StudioModule.HealthCheck(ctx); err != nil {
			return fmt.Errorf("store health check failed: %w", err)
		}
	}
	return nil
}

// Cleanup stops the modules and clears the registry.
func (c *Container) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.StudioModule != nil {
		if err := c.StudioModule.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop studio module: %w", err))
		}
		c.StudioModule = nil
	}

	for _, service := range c.services {
		if cleaner, ok := service.(interface{ Cleanup(context.Context) error }); ok {
			if err := cleaner.Cleanup(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to cleanup service: %w", err))
			}
		}
	}
	c.services = make(map[reflect.Type]interface{})
	return errors.Join(errs...)
}

// Close shuts everything down within 30 seconds.
func (c *Container) Close() error {
	c.Logger.Info("Closing DI container resources...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Cleanup(ctx); err != nil {
		c.Logger.Warnf("Cleanup errors occurred: %v", err)
		return err
	}
	c.Logger.Info("DI container resources closed")
	return nil
}
