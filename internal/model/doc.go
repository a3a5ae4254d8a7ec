// Package model defines the data exchanged between decksync clients and the
// sync server: cards, decks, privilege roles and the per-deck document.
//
// The JSON encoding of Card is the wire format of the protocol:
//
//	{"note_id":1712,"stable_uid":"0190...","deck_name":"Spanish","model_name":"Basic",
//	 "fields":{"Front":"hola","Back":"hello"},"tags":"vocab sync_uid:0190...",
//	 "created_at":1712,"last_modified":1700000000,"interval":1}
//
// Field order is significant (the first field identifies a card when its
// identity tag was lost), so Fields marshals as a JSON object in insertion
// order rather than as a Go map.
package model
