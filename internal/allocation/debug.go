//go:build govoldebug

package allocation

const strictFree = true
