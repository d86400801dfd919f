package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses sizes like "512KB", "1.5MiB" or "2048" into bytes.
// KB/MB/GB are decimal; K/KiB, M/MiB and G/GiB are binary.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '512KB', '1MiB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := getMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

// FormatDataSize formats bytes with binary units, e.g. "512 KB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB"}
	exp := 0
	div := int64(unit)
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}

	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	} else if value*10 == float64(int64(value*10)) {
		return fmt.Sprintf("%.1f %s", value, units[exp])
	}
	return fmt.Sprintf("%.2f %s", value, units[exp])
}

func getMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "KIB", "K":
		return 1024
	case "MIB", "M":
		return 1024 * 1024
	case "GIB", "G":
		return 1024 * 1024 * 1024
	default:
		return 0
	}
}

// DataSize is a byte count that config files may write as a number or as a
// human-friendly string.
type DataSize int64

func (d DataSize) Bytes() int64 { return int64(d) }

func (d DataSize) String() string { return FormatDataSize(int64(d)) }

func (d *DataSize) set(v interface{}) error {
	switch v := v.(type) {
	case float64:
		*d = DataSize(v)
	case int:
		*d = DataSize(v)
	case int64:
		*d = DataSize(v)
	case string:
		n, err := ParseDataSize(v)
		if err != nil {
			return err
		}
		*d = DataSize(n)
	case nil:
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	if *d < 0 {
		return fmt.Errorf("size must not be negative")
	}
	return nil
}

func (d *DataSize) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *DataSize) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d DataSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d))
}
