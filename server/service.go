package server

import "context"

// Service processes one connection to completion. The core never inspects
// payload bytes; what happens on the connection is entirely up to the
// service. Serve runs on the owning worker's goroutine pool and should
// return when ctx is canceled.
type Service interface {
	Serve(ctx context.Context, conn *Conn) error
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, conn *Conn) error

func (f ServiceFunc) Serve(ctx context.Context, conn *Conn) error {
	return f(ctx, conn)
}

// Factory produces one Service instance per worker.
type Factory interface {
	NewService() (Service, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func() (Service, error)

func (f FactoryFunc) NewService() (Service, error) { return f() }

// SharedService returns a Factory that hands the same Service to every
// worker. The service must be safe for concurrent use.
func SharedService(s Service) Factory {
	return FactoryFunc(func() (Service, error) { return s, nil })
}
