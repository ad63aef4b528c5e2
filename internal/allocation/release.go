//go:build !govoldebug

package allocation

const strictFree = false
