package store

import (
	"strings"
)

// FoldersKey holds the persisted folder list.
const FoldersKey = "folders"

const emailPrefix = "email"

// FolderKey returns the key under which a folder's messages are stored.
func FolderKey(path string) string {
	return emailPrefix + "_" + path
}

// FolderPrefix returns the listing prefix for a folder's messages. The
// trailing separator keeps "INBOX" from matching "INBOX.Archive".
func FolderPrefix(path string) string {
	return FolderKey(path) + "_"
}

// MessageKey returns the key of a single message.
func MessageKey(path, key string) string {
	return FolderKey(path) + "_" + key
}

// MessageKeys maps message keys of one folder to store keys.
func MessageKeys(path string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = MessageKey(path, k)
	}
	return out
}

func descendantPrefix(key string) string {
	return key + "_"
}

func sanitizeUserID(userID string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(userID)
}

func validKeys(keys []string) error {
	if len(keys) == 0 {
		return ErrInvalidKey
	}
	for _, k := range keys {
		if k == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
