// Package postgres derives the database workload and Service that back a Game.
//
// Every builder here is a pure function of the Game: the same input always yields the
// same object, so reconcilers can compare desired and observed state field by field.
// Owner references are attached by the caller.
package postgres
