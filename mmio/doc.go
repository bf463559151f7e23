// Package mmio gives a userspace driver access to a PCI device on Linux:
// its memory mapped registers, bus mastering and the unbinding of the
// kernel driver that currently owns it. Everything goes through sysfs.
package mmio
