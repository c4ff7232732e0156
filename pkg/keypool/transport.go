package keypool

import (
	"context"
	"slices"
)

// Category tags a request by the upstream resource it addresses, and keys
// the before/after hook tables.
type Category string

type Param struct {
	Name  string
	Value string
}

// Request is the opaque outgoing call handed to the Transport: a path and
// ordered query parameters. The key secret is supplied separately.
type Request struct {
	Category Category
	Path     string
	Params   []Param
}

func NewRequest(category Category, path string, params ...Param) *Request {
	return &Request{Category: category, Path: path, Params: slices.Clone(params)}
}

// Set replaces the value of name, or appends it if absent.
func (r *Request) Set(name, value string) *Request {
	for i := range r.Params {
		if r.Params[i].Name == name {
			r.Params[i].Value = value
			return r
		}
	}
	r.Params = append(r.Params, Param{Name: name, Value: value})
	return r
}

func (r *Request) Param(name string) (string, bool) {
	for _, p := range r.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func (r *Request) Clone() *Request {
	c := *r
	c.Params = slices.Clone(r.Params)
	return &c
}

// Transport performs the upstream call with the given key secret. It returns
// the decoded payload, an *UpstreamError for the upstream's own error
// envelope, or any other error for transport-level failures. Timeouts are the
// transport's responsibility.
type Transport interface {
	Do(ctx context.Context, secret string, req *Request) (any, error)
}

type TransportFunc func(ctx context.Context, secret string, req *Request) (any, error)

func (f TransportFunc) Do(ctx context.Context, secret string, req *Request) (any, error) {
	return f(ctx, secret, req)
}
