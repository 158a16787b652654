package repository

// Repositories holds all repository implementations.
// This struct provides a single point of access to the data access layer.
type Repositories struct {
	Sessions SessionRepository
}
