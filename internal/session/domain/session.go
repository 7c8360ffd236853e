package domain

import "time"

// Session is the durable record of the authenticated Salesforce connection.
// At most one row exists at any time; a new login replaces the previous row.
// Token fields hold ciphertext produced by security.TokenCipher, never plaintext.
type Session struct {
	ID                    string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	InstanceURL           string
	OrgID                 string
	Username              string
	CreatedAt             time.Time
	LastActivityAt        time.Time
}
