package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileSignature identifies a config file's content: size + mtime guard the
// cheap case, the blake3 sum catches same-size rewrites.
type fileSignature struct {
	exists  bool
	size    int64
	modTime int64
	sum     string
}

func signatureOf(path string) fileSignature {
	info, err := os.Stat(path)
	if err != nil {
		return fileSignature{}
	}
	sig := fileSignature{exists: true, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if b, err := os.ReadFile(path); err == nil {
		sum := blake3.Sum256(b)
		sig.sum = hex.EncodeToString(sum[:])
	}
	return sig
}

type cacheEntry struct {
	baseSig  fileSignature
	localSig fileSignature
	cfg      *Config
}

// Loader resolves and caches configurations keyed by absolute path.
type Loader struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
	log   *zap.Logger
}

// NewLoader constructs a Loader. A nil logger disables diagnostics.
func NewLoader(log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{cache: map[string]cacheEntry{}, log: log}
}

// localPathFor derives the `<stem>.local<ext>` override path.
func localPathFor(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(filepath.Dir(path), stem+".local"+ext)
}

// decodeFile reads one config file into a raw map. Missing or malformed
// files contribute nothing; the run proceeds on defaults.
func (l *Loader) decodeFile(path string) map[string]any {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Debug("config read failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	var raw map[string]any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			l.log.Debug("config yaml decode failed", zap.String("path", path), zap.Error(err))
			return nil
		}
	default:
		if err := toml.Unmarshal(b, &raw); err != nil {
			l.log.Debug("config toml decode failed", zap.String("path", path), zap.Error(err))
			return nil
		}
	}
	normalized, _ := normalizeKeys(raw).(map[string]any)
	return normalized
}

// Load resolves the configuration at configPath. Results are cached until
// the base or local file changes; every call returns a fresh deep copy.
func (l *Loader) Load(configPath string) *Config {
	if strings.TrimSpace(configPath) == "" {
		configPath = "config.toml"
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	localPath := localPathFor(abs)

	baseSig := signatureOf(abs)
	localSig := signatureOf(localPath)

	l.mu.Lock()
	if entry, ok := l.cache[abs]; ok && entry.baseSig == baseSig && entry.localSig == localSig {
		cfg := entry.cfg.Clone()
		l.mu.Unlock()
		return cfg
	}
	l.mu.Unlock()

	merged := map[string]any{}
	if base := l.decodeFile(abs); base != nil {
		merged = deepMerge(merged, base)
	}
	if local := l.decodeFile(localPath); local != nil {
		merged = deepMerge(merged, local)
	}
	cfg := fromMap(merged)

	l.mu.Lock()
	l.cache[abs] = cacheEntry{baseSig: baseSig, localSig: localSig, cfg: cfg.Clone()}
	l.mu.Unlock()

	return cfg
}

var defaultLoader = NewLoader(nil)

// Load resolves configPath through a process-wide loader.
func Load(configPath string) *Config {
	return defaultLoader.Load(configPath)
}
