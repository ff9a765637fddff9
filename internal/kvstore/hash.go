package kvstore

// BucketCount is the fixed number of hash buckets in the table. It is prime
// so the djb2 distribution avoids obvious alignment with common key
// patterns; the table never resizes.
const BucketCount = 8191

// hashKey computes the djb2 hash variant used to pick a key's bucket:
// h=5381; h = h*33 + c for every byte. Deterministic across runs and
// processes, which the original C implementation and this port both rely on
// for backup files to be byte-comparable between runs of the same input.
func hashKey(key string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(key); i++ {
		h = h*33 + uint32(key[i])
	}

	return h
}

func bucketIndex(key string) uint32 {
	return hashKey(key) % BucketCount
}
