package utils

func Contains[T comparable](arr []T, value T) bool {
	for _, v := range arr {
		if v == value {
			return true
		}
	}
	return false
}

// AppendUnique appends the values not already in arr, keeping first-seen
// order.
func AppendUnique[T comparable](arr []T, values ...T) []T {
	for _, v := range values {
		if !Contains(arr, v) {
			arr = append(arr, v)
		}
	}
	return arr
}
