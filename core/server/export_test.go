package server

var HandleRequest = handleRequest
