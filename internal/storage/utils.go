package storage

// InitStore opens the PostgreSQL store and sizes its connection pool.
func InitStore(dbConnStr string, maxOpenConns int) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	if db, ok := store.db.(interface{ SetMaxOpenConns(int) }); ok && maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return store, nil
}
