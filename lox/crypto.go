package lox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // controller protocol mandates SHA-1
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"hash"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

const (
	DefaultAESKeySize = 32
	saltSize          = 2
)

// SessionKey is AES key and IV shared with controller for one connection.
// Never reuse it for another connection.
type SessionKey struct {
	Key []byte
	IV  []byte
}

// NewSessionKey generates random key of keySize (16, 24 or 32) bytes and random IV.
func NewSessionKey(keySize int) (SessionKey, error) {
	switch keySize {
	case 16, 24, 32:
	default:
		return SessionKey{}, errors.NotValidf("aes key size=%d", keySize)
	}
	sk := SessionKey{
		Key: make([]byte, keySize),
		IV:  make([]byte, aes.BlockSize),
	}
	if _, err := rand.Read(sk.Key); err != nil {
		return SessionKey{}, errors.Annotate(err, "aes key")
	}
	if _, err := rand.Read(sk.IV); err != nil {
		return SessionKey{}, errors.Annotate(err, "aes iv")
	}
	return sk, nil
}

// ExchangePayload is plaintext of key exchange: "<key hex>:<iv hex>".
func (sk SessionKey) ExchangePayload() string {
	return hex.EncodeToString(sk.Key) + ":" + hex.EncodeToString(sk.IV)
}

// ParsePublicKey accepts controller certificate block and rewrites delimiters
// into PEM public key block. Ready PEM public key is accepted as well.
func ParsePublicKey(certBlock string) (*rsa.PublicKey, error) {
	s := strings.Replace(certBlock, "-----BEGIN CERTIFICATE-----", "-----BEGIN PUBLIC KEY-----\n", 1)
	s = strings.Replace(s, "-----END CERTIFICATE-----", "\n-----END PUBLIC KEY-----", 1)
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, &KeyMaterialError{Err: errors.Errorf("no PEM block in %q", certBlock)}
	}
	if block.Type != "PUBLIC KEY" && block.Type != "RSA PUBLIC KEY" {
		return nil, &KeyMaterialError{Err: errors.Errorf("unexpected PEM type=%s", block.Type)}
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, &KeyMaterialError{Err: errors.Errorf("public key type=%T, expected RSA", key)}
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, &KeyMaterialError{Err: errors.Annotate(err, "parse public key")}
	}
	return rsaKey, nil
}

// EncryptSessionKey returns base64 of RSA PKCS#1 v1.5 encrypted exchange payload.
func EncryptSessionKey(pub *rsa.PublicKey, sk SessionKey) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(sk.ExchangePayload()))
	if err != nil {
		return "", &KeyMaterialError{Err: errors.Annotate(err, "rsa encrypt")}
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// ZeroPad appends 1..16 zero bytes so length is multiple of AES block.
// Full length input still gets a whole block of padding.
func ZeroPad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	return padded
}

// EncryptCBC is AES-CBC over zero padded plaintext.
func EncryptCBC(sk SessionKey, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(sk.Key)
	if err != nil {
		return nil, errors.Annotate(err, "aes")
	}
	if len(sk.IV) != aes.BlockSize {
		return nil, errors.NotValidf("aes iv length=%d", len(sk.IV))
	}
	buf := ZeroPad(plain)
	cipher.NewCBCEncrypter(block, sk.IV).CryptBlocks(buf, buf)
	return buf, nil
}

// EncryptCommand wraps command into "jdev/sys/enc/<percent encoded base64>".
func EncryptCommand(sk SessionKey, command string) (string, error) {
	ct, err := EncryptCBC(sk, []byte(command))
	if err != nil {
		return "", err
	}
	return CmdEncrypted + url.QueryEscape(base64.StdEncoding.EncodeToString(ct)), nil
}

// NewSalt returns 2 random bytes as 4 hex characters.
func NewSalt() (string, error) {
	var b [saltSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errors.Annotate(err, "salt")
	}
	return hex.EncodeToString(b[:]), nil
}

type HashAlg string

const (
	HashSHA1   HashAlg = "SHA1"
	HashSHA256 HashAlg = "SHA256"
)

func (a HashAlg) new() func() hash.Hash {
	if strings.EqualFold(string(a), string(HashSHA256)) {
		return sha256.New
	}
	return sha1.New
}

// HashPassword is uppercase hex of H(password + ":" + salt).
func HashPassword(alg HashAlg, password, salt string) string {
	h := alg.new()()
	_, _ = h.Write([]byte(password + ":" + salt))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// HashUser is hex of HMAC(unhex(keyHex), user + ":" + pwHash).
func HashUser(alg HashAlg, keyHex, user, pwHash string) (string, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return "", &KeyMaterialError{Err: errors.Annotate(err, "user key hex")}
	}
	return hmacHex(alg, key, user+":"+pwHash), nil
}

func hmacHex(alg HashAlg, key []byte, msg string) string {
	m := hmac.New(alg.new(), key)
	_, _ = m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}
