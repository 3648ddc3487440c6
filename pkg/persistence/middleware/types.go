// Package middleware wraps a Repository to add behavior at the storage edge.
package middleware

import "github.com/aretw0/medflow/pkg/ports"

// Middleware allows wrapping a Repository to add behavior.
type Middleware func(ports.Repository) ports.Repository

// Chain applies mws so that the first one is outermost.
func Chain(repo ports.Repository, mws ...Middleware) ports.Repository {
	for i := len(mws) - 1; i >= 0; i-- {
		repo = mws[i](repo)
	}
	return repo
}
