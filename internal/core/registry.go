package core

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Filaments  *FilamentService
	Reconciler *Reconciler
	Ingest     *IngestService
}
