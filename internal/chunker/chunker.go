package chunker

// Split cuts items into consecutive chunks of at most size elements, keeping order.
// The chunks share the backing array of items. A non-positive size yields one chunk.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Flatten joins chunks back together in order
func Flatten[T any](chunks [][]T) []T {
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}

	result := make([]T, 0, total)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}
	return result
}
