package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the only role; it may use the management API.
const RoleAdmin = "admin"

// User is an operator account for the management API.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Claims defines the structure of the JWT claims.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}
