package memory

import "strconv"

// MaxSmallSize is the largest request served by the size-class arenas.
const MaxSmallSize = 1024

var classSizes = [...]uintptr{32, 64, 128, 256, 512, 1024}

// NumClasses is the number of small-object size classes.
const NumClasses = len(classSizes)

var classLabels = func() (labels [NumClasses]string) {
	for i, size := range classSizes {
		labels[i] = strconv.Itoa(int(size))
	}
	return labels
}()

// classFor returns the smallest class whose payload holds size bytes.
func classFor(size uintptr) (int, bool) {
	for i, c := range classSizes {
		if size <= c {
			return i, true
		}
	}
	return 0, false
}

// classSize returns the payload size of class, or 0 if class is out of range.
func classSize(class int) uintptr {
	if class < 0 || class >= NumClasses {
		return 0
	}
	return classSizes[class]
}

// slotSize is the stride between slots of class within a slab page.
func slotSize(class int) uintptr {
	return headerSize + classSize(class)
}
