package store

// User is an admin-plane account. Gateway callers authenticate with API
// keys, not users; users exist only for the /auth and /admin surfaces.
type User struct {
	ID           int32
	Username     string
	PasswordHash string
	Role         string // admin, member
	CreatedTs    int64
}

type FindUser struct {
	ID       *int32
	Username *string
}

type DeleteUser struct {
	ID int32
}
