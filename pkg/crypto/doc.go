// Package crypto provides the Bluetooth Mesh security toolbox of Mesh
// Profile Section 3.8: AES-CMAC and the k1-k4 and s1 derivations, AES-CCM,
// the network, application and device nonces, PECB header obfuscation and
// virtual address hashing.
package crypto
