package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Laisky/errors/v2"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/config"
)

// ApiKey is a downstream credential issued by the admin. The raw value is
// never stored; authentication matches its SHA-256 hash. The encrypted value
// exists only so the reveal endpoint can show it again when policy allows.
type ApiKey struct {
	Id                int64  `json:"id" gorm:"primaryKey"`
	KeyHash           string `json:"-" gorm:"size:64;uniqueIndex"`
	KeyValueEncrypted string `json:"-" gorm:"type:text"`
	// KeyPrefix keeps the first characters of the issued key so admins can
	// recognize it in lists without revealing it.
	KeyPrefix string `json:"key_prefix" gorm:"size:16"`
	Name      string `json:"name" gorm:"size:128"`
	Active    bool   `json:"active" gorm:"default:true"`
	ExpiresAt *int64 `json:"expires_at,omitempty" gorm:"bigint"`
	// AllowedUpstreamIds is a JSON array of upstream ids this key may route
	// to. Empty means the key routes nowhere.
	AllowedUpstreamIds string `json:"-" gorm:"type:text"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}

// HashKey returns the hex SHA-256 of a raw downstream key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GetAllowedUpstreamIds decodes the allow-list column. A corrupted column
// yields an empty list, which denies routing rather than opening it up.
func (k *ApiKey) GetAllowedUpstreamIds() []int64 {
	if k == nil || k.AllowedUpstreamIds == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(k.AllowedUpstreamIds), &ids); err != nil {
		return nil
	}
	return ids
}

// SetAllowedUpstreamIds encodes the allow-list column.
func (k *ApiKey) SetAllowedUpstreamIds(ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "marshal allowed upstream ids")
	}
	k.AllowedUpstreamIds = string(raw)
	return nil
}

// AllowsUpstream reports whether upstreamId is on the key's allow-list.
func (k *ApiKey) AllowsUpstream(upstreamId int64) bool {
	for _, id := range k.GetAllowedUpstreamIds() {
		if id == upstreamId {
			return true
		}
	}
	return false
}

// IsUsable reports whether the key may authenticate right now.
func (k *ApiKey) IsUsable(nowMilli int64) bool {
	if k == nil || !k.Active {
		return false
	}
	if k.ExpiresAt != nil && *k.ExpiresAt <= nowMilli {
		return false
	}
	return true
}

// GetApiKeyByHash loads a key row by its hash.
func GetApiKeyByHash(keyHash string) (*ApiKey, error) {
	if keyHash == "" {
		return nil, errors.New("key hash is empty")
	}
	var key ApiKey
	if err := DB.Where("key_hash = ?", keyHash).First(&key).Error; err != nil {
		return nil, errors.Wrap(err, "get api key by hash")
	}
	return &key, nil
}

// GetApiKeyById loads a key row by id.
func GetApiKeyById(id int64) (*ApiKey, error) {
	var key ApiKey
	if err := DB.First(&key, id).Error; err != nil {
		return nil, errors.Wrap(err, "get api key by id")
	}
	return &key, nil
}

// ErrLegacyKey marks key rows created before encrypted storage existed; they
// can authenticate but can never be revealed.
var ErrLegacyKey = errors.New("legacy_key")

// RevealValue decrypts the stored key value. Callers must check the
// ALLOW_KEY_REVEAL policy flag before calling.
func (k *ApiKey) RevealValue() (string, error) {
	if !config.AllowKeyReveal {
		return "", errors.New("key reveal is disabled by policy")
	}
	if k.KeyValueEncrypted == "" {
		return "", ErrLegacyKey
	}
	value, err := common.DecryptSecret(k.KeyValueEncrypted)
	if err != nil {
		return "", errors.Wrap(err, "decrypt key value")
	}
	return value, nil
}

// Insert stores a new key row, hashing and encrypting the raw value.
func (k *ApiKey) Insert(rawValue string) error {
	if rawValue == "" {
		return errors.New("key value is empty")
	}
	k.KeyHash = HashKey(rawValue)
	if len(rawValue) > 8 {
		k.KeyPrefix = rawValue[:8]
	} else {
		k.KeyPrefix = rawValue
	}
	encrypted, err := common.EncryptSecret(rawValue)
	if err != nil {
		return errors.Wrap(err, "encrypt key value")
	}
	k.KeyValueEncrypted = encrypted
	if k.AllowedUpstreamIds == "" {
		k.AllowedUpstreamIds = "[]"
	}
	return errors.Wrap(DB.Create(k).Error, "insert api key")
}

// ListApiKeys returns every key row, newest first.
func ListApiKeys() ([]*ApiKey, error) {
	var keys []*ApiKey
	if err := DB.Order("id desc").Find(&keys).Error; err != nil {
		return nil, errors.Wrap(err, "list api keys")
	}
	return keys, nil
}
