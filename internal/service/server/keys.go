package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"e2e_crypto/internal/model"
	userRepo "e2e_crypto/internal/repository/user"
	"e2e_crypto/internal/utils/log"
)

func userLock(userID string) string {
	return "user:" + userID
}

// updateKeys runs fn on userID's published keys under the user lock and
// saves the result.
func (s *HttpServer) updateKeys(ctx context.Context, userID string, fn func(*userRepo.Keys) error) error {
	unlock, err := s.locks.Lock(ctx, userLock(userID))
	if err != nil {
		return err
	}
	defer unlock()

	keys, err := s.directory.GetKeys(ctx, userID)
	if err != nil {
		return err
	}
	if keys == nil {
		keys = &userRepo.Keys{UserID: userID}
	}
	if keys.Devices == nil {
		keys.Devices = make(map[string]model.DeviceKeys)
	}
	if err := fn(keys); err != nil {
		return err
	}
	return s.directory.SaveKeys(ctx, keys)
}

func (s *HttpServer) UploadKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := senderOf(r)
		var req model.KeysUploadRequest
		if !decode(w, r, &req) {
			return
		}

		if dk := req.DeviceKeys; dk != nil {
			if dk.UserID != from.userID || dk.DeviceID != from.deviceID {
				http.Error(w, "device keys belong to another device", http.StatusForbidden)
				return
			}
			if err := dk.VerifySelfSignature(); err != nil {
				http.Error(w, "device keys are not self-signed", http.StatusBadRequest)
				return
			}
			err := s.updateKeys(r.Context(), from.userID, func(keys *userRepo.Keys) error {
				if current, ok := keys.Devices[from.deviceID]; ok {
					// Keep signatures others uploaded for this device.
					for signer, sigs := range current.Signatures {
						for keyID, sig := range sigs {
							if _, ok := dk.Signatures.Get(signer, keyID); !ok {
								dk.Signatures = dk.Signatures.Add(signer, keyID, sig)
							}
						}
					}
				}
				keys.Devices[from.deviceID] = *dk
				return nil
			})
			if err != nil {
				internalError(w, "save device keys failed", err)
				return
			}
		}

		otks := make(map[string]model.SignedKey, len(req.OneTimeKeys)+len(req.FallbackKeys))
		for keyID, k := range req.OneTimeKeys {
			k.Fallback = false
			otks[keyID] = k
		}
		for keyID, k := range req.FallbackKeys {
			k.Fallback = true
			otks[keyID] = k
		}
		count, err := s.directory.AddOneTimeKeys(r.Context(), from.userID, from.deviceID, otks)
		if err != nil {
			internalError(w, "save one-time keys failed", err)
			return
		}
		writeJSON(w, model.KeysUploadResponse{OneTimeKeyCounts: map[string]int{model.KeySignedCurve25519: count}})
	}
}

func (s *HttpServer) QueryKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.KeysQueryRequest
		if !decode(w, r, &req) {
			return
		}

		resp := model.KeysQueryResponse{
			DeviceKeys:      make(map[string]map[string]model.DeviceKeys),
			MasterKeys:      make(map[string]model.CrossSigningKey),
			SelfSigningKeys: make(map[string]model.CrossSigningKey),
			UserSigningKeys: make(map[string]model.CrossSigningKey),
		}
		for userID, wanted := range req.DeviceKeys {
			keys, err := s.directory.GetKeys(r.Context(), userID)
			if err != nil {
				internalError(w, "load keys failed", err)
				return
			}
			devices := make(map[string]model.DeviceKeys)
			resp.DeviceKeys[userID] = devices
			if keys == nil {
				continue
			}

			if len(wanted) == 0 {
				for deviceID, dk := range keys.Devices {
					devices[deviceID] = dk
				}
			}
			for _, deviceID := range wanted {
				if dk, ok := keys.Devices[deviceID]; ok {
					devices[deviceID] = dk
				}
			}
			if keys.Master != nil {
				resp.MasterKeys[userID] = *keys.Master
			}
			if keys.SelfSigning != nil {
				resp.SelfSigningKeys[userID] = *keys.SelfSigning
			}
			// The user-signing key is only shown to its owner.
			if keys.UserSigning != nil && userID == senderOf(r).userID {
				resp.UserSigningKeys[userID] = *keys.UserSigning
			}
		}
		writeJSON(w, resp)
	}
}

func (s *HttpServer) ClaimKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.KeysClaimRequest
		if !decode(w, r, &req) {
			return
		}

		resp := model.KeysClaimResponse{OneTimeKeys: make(map[string]map[string]map[string]model.SignedKey)}
		for userID, devices := range req.OneTimeKeys {
			for deviceID, algorithm := range devices {
				if algorithm != model.KeySignedCurve25519 {
					continue
				}
				keyID, key, err := s.directory.ClaimOneTimeKey(r.Context(), userID, deviceID)
				if err != nil {
					internalError(w, "claim one-time key failed", err)
					return
				}
				if key == nil {
					continue
				}
				if resp.OneTimeKeys[userID] == nil {
					resp.OneTimeKeys[userID] = make(map[string]map[string]model.SignedKey)
				}
				resp.OneTimeKeys[userID][deviceID] = map[string]model.SignedKey{keyID: *key}
			}
		}
		writeJSON(w, resp)
	}
}

func (s *HttpServer) UploadSigningKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := senderOf(r)
		var req model.UploadSigningKeysRequest
		if !decode(w, r, &req) {
			return
		}

		check := func(k *model.CrossSigningKey, usage string) bool {
			return k == nil || (k.UserID == from.userID && k.HasUsage(usage))
		}
		if !check(req.MasterKey, model.UsageMaster) || !check(req.SelfSigningKey, model.UsageSelfSigning) ||
			!check(req.UserSigningKey, model.UsageUserSigning) {
			http.Error(w, "invalid cross-signing keys", http.StatusBadRequest)
			return
		}

		err := s.updateKeys(r.Context(), from.userID, func(keys *userRepo.Keys) error {
			if req.MasterKey != nil {
				keys.Master = req.MasterKey
			}
			if req.SelfSigningKey != nil {
				keys.SelfSigning = req.SelfSigningKey
			}
			if req.UserSigningKey != nil {
				keys.UserSigning = req.UserSigningKey
			}
			return nil
		})
		if err != nil {
			internalError(w, "save cross-signing keys failed", err)
			return
		}
		log.Info("cross-signing keys uploaded", zap.String("user_id", from.userID))
		writeJSON(w, struct{}{})
	}
}

func mergeSignatures(dst *model.Signatures, src model.Signatures, signer string) {
	for keyID, sig := range src[signer] {
		*dst = dst.Add(signer, keyID, sig)
	}
}

// UploadSignatures stores the uploader's signatures on devices or
// cross-signing keys. Signed objects are addressed by device id or by the
// cross-signing public key.
func (s *HttpServer) UploadSignatures() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := senderOf(r)
		var req model.SignatureUploadRequest
		if !decode(w, r, &req) {
			return
		}

		for userID, signed := range req.Signed {
			err := s.updateKeys(r.Context(), userID, func(keys *userRepo.Keys) error {
				for keyID, raw := range signed {
					var obj struct {
						Signatures model.Signatures `json:"signatures"`
					}
					if err := json.Unmarshal(raw, &obj); err != nil {
						log.Warn("skipping malformed signed object", zap.String("user_id", userID), zap.String("key_id", keyID))
						continue
					}
					if dk, ok := keys.Devices[keyID]; ok {
						mergeSignatures(&dk.Signatures, obj.Signatures, from.userID)
						keys.Devices[keyID] = dk
						continue
					}
					for _, k := range []*model.CrossSigningKey{keys.Master, keys.SelfSigning, keys.UserSigning} {
						if k == nil {
							continue
						}
						if _, pub := k.PublicKey(); pub == keyID {
							mergeSignatures(&k.Signatures, obj.Signatures, from.userID)
						}
					}
				}
				return nil
			})
			if err != nil {
				internalError(w, "save signatures failed", err)
				return
			}
		}
		writeJSON(w, struct{}{})
	}
}

func (s *HttpServer) SendToDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := senderOf(r)
		eventType := mux.Vars(r)["eventType"]
		var req model.ToDeviceRequest
		if !decode(w, r, &req) {
			return
		}

		for userID, devices := range req.Messages {
			targets, err := s.recipients(r.Context(), userID, devices)
			if err != nil {
				internalError(w, "resolve recipients failed", err)
				return
			}
			for deviceID, content := range targets {
				event := model.ToDeviceEvent{Sender: from.userID, Type: eventType, Content: content}
				if err := s.deliver(r.Context(), userID, deviceID, []model.ToDeviceEvent{event}); err != nil {
					internalError(w, "deliver to-device event failed", err)
					return
				}
			}
		}
		writeJSON(w, struct{}{})
	}
}
