package accession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/internal/platform/settings"
)

// Settings keys holding the cipher key material. The values must never
// change after the first specimen ID is issued.
const (
	SettingBaseKey  = "accession.base_key"
	SettingPassword = "accession.password"
	SettingIV       = "accession.iv"
)

// KeyMaterialSize is the length in bytes of each key material value.
const KeyMaterialSize = 16

// KeyMaterial feeds the format-preserving cipher.
type KeyMaterial struct {
	BaseKey  []byte
	Password []byte
	IV       []byte
}

// Validate checks every part has KeyMaterialSize bytes.
func (k KeyMaterial) Validate() error {
	for name, v := range map[string][]byte{"base key": k.BaseKey, "password": k.Password, "iv": k.IV} {
		if len(v) != KeyMaterialSize {
			return fmt.Errorf("%w: accession %s must be %d bytes, got %d", apperr.ErrConfiguration, name, KeyMaterialSize, len(v))
		}
	}
	return nil
}

// LoadKeyMaterial reads the key material from the settings store. Missing
// values are generated and stored once when provision is true; otherwise
// they are a configuration error. Stored values are never replaced.
func LoadKeyMaterial(ctx context.Context, store settings.Store, provision bool) (KeyMaterial, error) {
	var km KeyMaterial
	var err error
	if km.BaseKey, err = loadOne(ctx, store, SettingBaseKey, provision); err != nil {
		return KeyMaterial{}, err
	}
	if km.Password, err = loadOne(ctx, store, SettingPassword, provision); err != nil {
		return KeyMaterial{}, err
	}
	if km.IV, err = loadOne(ctx, store, SettingIV, provision); err != nil {
		return KeyMaterial{}, err
	}
	return km, km.Validate()
}

func loadOne(ctx context.Context, store settings.Store, key string, provision bool) ([]byte, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", apperr.ErrConfiguration, key, err)
	}
	if !ok {
		if !provision {
			return nil, fmt.Errorf("%w: %s is not provisioned", apperr.ErrConfiguration, key)
		}
		fresh := make([]byte, KeyMaterialSize)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("%w: generate %s: %v", apperr.ErrConfiguration, key, err)
		}
		if raw, err = store.SetIfAbsent(ctx, key, hex.EncodeToString(fresh)); err != nil {
			return nil, fmt.Errorf("%w: store %s: %v", apperr.ErrConfiguration, key, err)
		}
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid hex: %v", apperr.ErrConfiguration, key, err)
	}
	if len(b) != KeyMaterialSize {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", apperr.ErrConfiguration, key, KeyMaterialSize, len(b))
	}
	return b, nil
}
