// Package fieldcrypt encrypts individual sensitive fields (MFA secrets,
// recovery material) with AES-256-GCM under a key derived once from a
// configured secret with argon2id.
//
// Every [Blob] carries its own random IV and the detached authentication tag.
// Decryption of a blob whose ciphertext, IV or tag was altered fails with
// [ErrCrypto] and never yields partial plaintext.
package fieldcrypt
