package couchbase

// CasManager combines CAS getting and setting capabilities.
type CasManager interface {
	CasGetter
	CasSetter
}

// CasSetter is implemented by documents that track their CAS.
type CasSetter interface {
	SetCas(cas uint64)
}

// CasGetter is implemented by documents that track their CAS.
type CasGetter interface {
	GetCas() uint64
}

// Cas is embedded in document types for optimistic concurrency control.
// Embed it with a `json:"-"` tag so it never reaches the stored document.
type Cas struct {
	c uint64
}

var _ CasManager = (*Cas)(nil)

func (c *Cas) GetCas() uint64 {
	return c.c
}

func (c *Cas) SetCas(cas uint64) {
	c.c = cas
}
