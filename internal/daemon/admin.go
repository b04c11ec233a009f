package daemon

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// SettingKioskID is the settings key holding the kiosk's stable identity.
const SettingKioskID = "kiosk_id"

const minAdminPassword = 8

// ErrInvalidCredentials is returned by VerifyAdmin for an unknown user or wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// AdminCredentials is the admin-user part of the store.
type AdminCredentials interface {
	CreateAdmin(username, passwordHash string) error
	GetAdminHash(username string) (string, error)
}

// KioskSettings is the key/value settings part of the store.
type KioskSettings interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

// SetAdminPassword stores a bcrypt hash of password for username.
// It reports whether an existing admin was replaced.
func SetAdminPassword(store AdminCredentials, username, password string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, errors.New("username must not be empty")
	}
	if len(password) < minAdminPassword {
		return false, fmt.Errorf("password must be at least %d characters", minAdminPassword)
	}

	_, err := store.GetAdminHash(username)
	replaced := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("failed to look up admin: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.CreateAdmin(username, string(hash)); err != nil {
		return false, fmt.Errorf("failed to store admin: %w", err)
	}
	return replaced, nil
}

// VerifyAdmin checks a password against the stored hash.
func VerifyAdmin(store AdminCredentials, username, password string) error {
	hash, err := store.GetAdminHash(strings.TrimSpace(username))
	if errors.Is(err, domain.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to look up admin: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ResolveKioskID returns the kiosk identity used to tag replicated sessions.
// A configured VR_KIOSK_ID wins and is remembered; without one the stored
// identity is reused, and a new one is generated on first start.
func ResolveKioskID(settings KioskSettings, configured string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		stored, _, err := settings.GetSetting(SettingKioskID)
		if err != nil {
			return configured, err
		}
		if stored != configured {
			if err := settings.SetSetting(SettingKioskID, configured); err != nil {
				return configured, err
			}
		}
		return configured, nil
	}

	stored, ok, err := settings.GetSetting(SettingKioskID)
	if err != nil {
		return "", err
	}
	if ok && stored != "" {
		return stored, nil
	}
	id := "kiosk-" + uuid.NewString()[:8]
	if err := settings.SetSetting(SettingKioskID, id); err != nil {
		return "", err
	}
	return id, nil
}
