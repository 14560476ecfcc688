// Package nsm is a client for the Nitro Secure Module, the attestation and
// measurement device exposed to software running inside an AWS Nitro Enclave.
//
// A Session is a channel to the device. Through it an application extends and
// locks Platform Configuration Registers (PCRs), requests signed attestation
// documents binding caller data to the current register values, and reads
// hardware entropy.
//
// # Session Lifecycle
//
// 1. Open acquires a channel from a Provider. A nil provider selects the
// system provider, which talks to /dev/nsm on Linux.
//
// 2. Init optionally fetches the device description and caches the register
// count, so out-of-range indices are rejected without a round-trip. It may be
// called once.
//
// 3. Close or Exit releases the channel. Any further use fails with
// ErrInvalidHandle.
//
// # Basic Usage
//
//	sess, err := nsm.Open(ctx, nsm.Config{}, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close(ctx)
//
//	// Measure the application and freeze the measurement
//	if _, err := sess.ExtendPCR(ctx, 16, configDigest); err != nil {
//		log.Fatal(err)
//	}
//	if err := sess.LockPCR(ctx, 16); err != nil {
//		log.Fatal(err)
//	}
//
//	doc, err := sess.GetAttestationDoc(ctx, nsm.AttestationRequest{
//		Nonce:     nsm.Some(challenge),
//		PublicKey: nsm.Some(pub),
//	})
//
// # Platform Configuration Registers
//
// Each register holds a digest that can only be extended,
// digest' = Hash(digest || data), never set. A locked register rejects every
// extend with ErrRegisterLocked; locking is idempotent and lasts until the
// enclave terminates. Register assignments in a Nitro Enclave:
//
//   - PCR 0: enclave image file
//   - PCR 1: Linux kernel and bootstrap
//   - PCR 2: application
//   - PCR 3: IAM role of the parent instance
//   - PCR 4: parent instance ID
//   - PCR 8: enclave image signing certificate
//   - PCR 16-31: available to the application
//
// # Error Handling
//
// Every failure matches one of the sentinel errors with errors.Is:
//
//   - ErrDeviceUnavailable: the device cannot be reached
//   - ErrInvalidHandle: the session is closed
//   - ErrInvalidState: the operation is invalid for the lifecycle stage
//   - ErrInvalidIndex: register index outside the device range
//   - ErrRegisterLocked: extend of a locked register
//   - ErrPayloadTooLarge: attestation field above the configured limit
//   - ErrInvalidArgument: malformed argument such as empty extend data
//   - ErrDevice: any other device or transport fault
//
// Device answers additionally surface as *DeviceError carrying the raw NSM
// error code. A failed call never invalidates the session.
//
// # Testing
//
// The simulator package provides an in-memory Provider with the same register
// semantics and verifiable attestation documents.
package nsm
