package artifacts

// MaxInlineDataBytes is the maximum size (in bytes) for returning artifact data inline.
const MaxInlineDataBytes int64 = 1024 * 1024
