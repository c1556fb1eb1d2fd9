package ports

// EncryptionService encrypts secrets before they are stored
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
