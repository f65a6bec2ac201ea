package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Device is a registry record provisioned out of band.
	Device struct {
		ID           primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		DeviceID     string             `bson:"deviceId" json:"deviceId"`
		SharedSecret string             `bson:"sharedSecret" json:"-"`
		CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	}

	DeviceStatus struct {
		DeviceID string    `json:"deviceId"`
		Online   bool      `json:"online"`
		LastSeen time.Time `json:"lastSeen"`
		ConnID   string    `json:"connId,omitempty"`
	}
)
