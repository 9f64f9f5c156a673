package mysql

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Request        *RequestRepository
	CredentialPool *CredentialPoolRepository
	SessionEvent   *SessionEventRepository
}

// NewRepository creates a new MySQL repository with all sub-repositories
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}
	return newRepository(ds), nil
}

func newRepository(ds *Datastore) *Repository {
	return &Repository{
		ds:             ds,
		Request:        NewRequestRepository(ds),
		CredentialPool: NewCredentialPoolRepository(ds),
		SessionEvent:   NewSessionEventRepository(ds),
	}
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
