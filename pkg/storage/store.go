package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"VoiceForge/pkg/config"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// Store 音频与模型产物的对象存储
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix 删除前缀下全部对象，返回删除数量
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// New 按配置选择存储实现
func New(cfg config.Storage) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		return NewLocalStore(cfg.LocalRoot)
	case "minio":
		return NewMinioStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// ReadAll 读取完整对象
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Key helpers. 对象按 profile 归档，删除 profile 时按前缀清理
func ProfilePrefix(profileID string) string {
	return "profiles/" + profileID + "/"
}

// RawRecordingKey 原始录音按内容寻址：同一槽位的每次上传落在不同对象上，
// 并发覆盖时记录行只会指向自己那一份字节
func RawRecordingKey(profileID string, promptIndex int, data []byte, ext string) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%srecordings/raw/%03d-%s%s", ProfilePrefix(profileID), promptIndex, hex.EncodeToString(sum[:]), ext)
}

func ProcessedRecordingKey(profileID string, promptIndex int) string {
	return fmt.Sprintf("%srecordings/processed/%03d.wav", ProfilePrefix(profileID), promptIndex)
}

func ModelKey(profileID string) string {
	return ProfilePrefix(profileID) + "model/conditioning.json"
}

// SynthesizedKey 合成音频，name 由调用方生成
func SynthesizedKey(profileID, name string) string {
	return ProfilePrefix(profileID) + "synthesized/" + name
}
